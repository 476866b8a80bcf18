package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/redis"
)

// redisKeyPrefix namespaces memory entries away from blueprint keys
const redisKeyPrefix = "mem:"

// RedisBackend persists entries as JSON values in redis.
// Guarantees: ephemeral, ttl, durable.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend wraps the shared redis client. ttl 0 keeps entries until
// deleted.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl}
}

func (b *RedisBackend) Put(ctx context.Context, key string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal memory entry", err)
	}
	return b.client.Set(ctx, redisKeyPrefix+key, string(raw), b.ttl)
}

func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	raw, found, err := b.client.Get(ctx, redisKeyPrefix+key)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "read memory entry", err)
	}
	if !found {
		return nil, errs.Newf(errs.NotFound, "memory entry %q not found", key)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal memory entry", err)
	}
	return &e, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Delete(ctx, redisKeyPrefix+key)
}

func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := b.client.Keys(ctx, redisKeyPrefix+pattern)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "list memory keys", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, trimPrefix(k, redisKeyPrefix))
	}
	return out, nil
}

func (b *RedisBackend) Clear(ctx context.Context, pattern string) error {
	keys, err := b.client.Keys(ctx, redisKeyPrefix+pattern)
	if err != nil {
		return errs.Wrap(errs.Upstream, "list memory keys", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Delete(ctx, keys...)
}

func (b *RedisBackend) Guarantees() []Guarantee {
	return []Guarantee{GuaranteeEphemeral, GuaranteeTTL, GuaranteeDurable}
}

func (b *RedisBackend) Close() error {
	return nil
}
