// Package cache implements the deterministic result cache. Entries are keyed
// by a fingerprint of node configuration and canonicalised inputs, so the
// same node fed the same inputs replays the stored result.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/core/node"
)

// Cache interface for fingerprint-keyed result storage
type Cache interface {
	Get(ctx context.Context, key string) (*node.Result, bool, error)
	Set(ctx context.Context, key string, result *node.Result, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Fingerprint derives the cache key for a node execution: sha256 over the
// node's configuration bytes and the canonical JSON of its resolved inputs.
func Fingerprint(cfg *node.Config, inputs map[string]any) (string, error) {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	inputBytes, err := canonicalJSON(inputs)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(cfgBytes)
	h.Write([]byte{0})
	h.Write(inputBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON marshals with map keys sorted at every depth
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(canonicalise(v))
}

func canonicalise(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{k, canonicalise(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalise(e)
		}
		return out
	default:
		return v
	}
}

type kv struct {
	key string
	val any
}

// orderedMap marshals as a JSON object preserving slice order
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.val)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	return append(buf, '}'), nil
}

// MemoryCache is the in-process cache used by the engine
type MemoryCache struct {
	data map[string]*cacheEntry
	mu   sync.RWMutex
	log  *logger.Logger
	stop chan struct{}
	once sync.Once
}

type cacheEntry struct {
	result    *node.Result
	expiresAt time.Time
}

// NewMemoryCache creates an in-memory cache with a background sweeper
func NewMemoryCache(log *logger.Logger) *MemoryCache {
	c := &MemoryCache{
		data: make(map[string]*cacheEntry),
		log:  log,
		stop: make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a cached result
func (c *MemoryCache) Get(ctx context.Context, key string) (*node.Result, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists {
		return nil, false, nil
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}

	return entry.result, true, nil
}

// Set stores a result. A zero ttl keeps the entry until swept by Close.
func (c *MemoryCache) Set(ctx context.Context, key string, result *node.Result, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{result: result}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.data[key] = entry

	return nil
}

// Delete removes an entry
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Close stops the sweeper and drops the data
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	if c.log != nil {
		c.log.Info("result cache closed")
	}
	return nil
}

// cleanup removes expired entries periodically
func (c *MemoryCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]any{
		"entries": len(c.data),
		"type":    "memory",
	}
}
