// Package ratelimit admits run starts against per-tenant, per-tier, and
// global budgets. Counters live in Redis and are updated atomically by an
// embedded Lua script, so every API replica sees the same window.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowcore/common/logger"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Result reports the outcome of one admission check.
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64 // 0 when allowed
}

// Limiter runs admission checks against Redis.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	log    *logger.Logger
}

// New creates a limiter. The Lua script is loaded lazily on first use via
// EVALSHA with an EVAL fallback.
func New(client *redis.Client, log *logger.Logger) *Limiter {
	return &Limiter{
		redis:  client,
		script: redis.NewScript(rateLimitScript),
		log:    log,
	}
}

// CheckGlobal enforces the service-wide run-start budget.
func (l *Limiter) CheckGlobal(ctx context.Context, limit int64) (*Result, error) {
	return l.check(ctx, "rate_limit:global", limit, 60)
}

// CheckTenant enforces the tier budget for one tenant. Each tier has its
// own counter.
func (l *Limiter) CheckTenant(ctx context.Context, tenant string, tier Tier) (*Result, error) {
	budget := LimitFor(tier)
	key := fmt.Sprintf("rate_limit:tenant:%s:tier:%s", tenant, tier)
	return l.check(ctx, key, budget.Limit, budget.WindowSeconds)
}

// CheckWorkflow enforces a caller-supplied budget scoped to one workflow.
func (l *Limiter) CheckWorkflow(ctx context.Context, tenant, workflowID string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:workflow:%s:%s", tenant, workflowID)
	return l.check(ctx, key, limit, windowSec)
}

func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		l.log.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	fields, ok := raw.([]interface{})
	if !ok || len(fields) != 4 {
		return nil, fmt.Errorf("rate limit script returned %T, want 4-element array", raw)
	}

	res := &Result{
		Allowed:           fields[0].(int64) == 1,
		CurrentCount:      fields[1].(int64),
		Limit:             fields[2].(int64),
		RetryAfterSeconds: fields[3].(int64),
	}

	if !res.Allowed {
		l.log.Warn("rate limit exceeded",
			"key", key,
			"current", res.CurrentCount,
			"limit", res.Limit,
			"retry_after", res.RetryAfterSeconds)
	}
	return res, nil
}

// CurrentCount reads a counter without incrementing it.
func (l *Limiter) CurrentCount(ctx context.Context, key string) (int64, error) {
	n, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Reset clears a counter. Intended for admin tooling and tests.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}
