package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/common/ratelimit"
	"github.com/lyzr/flowcore/core/node"
)

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ratelimit.New(client, logger.Nop())
}

func TestLimiterAllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t)

	for i := int64(1); i <= 3; i++ {
		res, err := l.CheckGlobal(ctx, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.CurrentCount)
		assert.Zero(t, res.RetryAfterSeconds)
	}

	res, err := l.CheckGlobal(ctx, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(4), res.CurrentCount)
	assert.Equal(t, int64(3), res.Limit)
	assert.Positive(t, res.RetryAfterSeconds)
}

func TestLimiterTenantsCountSeparately(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t)

	for i := 0; i < 5; i++ {
		res, err := l.CheckTenant(ctx, "acme", ratelimit.TierHeavy)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	blocked, err := l.CheckTenant(ctx, "acme", ratelimit.TierHeavy)
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	// A different tenant, and a different tier of the same tenant, still pass
	other, err := l.CheckTenant(ctx, "globex", ratelimit.TierHeavy)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	simple, err := l.CheckTenant(ctx, "acme", ratelimit.TierSimple)
	require.NoError(t, err)
	assert.True(t, simple.Allowed)
}

func TestLimiterResetClearsCounter(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t)

	res, err := l.CheckWorkflow(ctx, "acme", "wf-1", 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.CheckWorkflow(ctx, "acme", "wf-1", 1, 60)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.NoError(t, l.Reset(ctx, "rate_limit:workflow:acme:wf-1"))

	n, err := l.CurrentCount(ctx, "rate_limit:workflow:acme:wf-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err = l.CheckWorkflow(ctx, "acme", "wf-1", 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestClassifyTiers(t *testing.T) {
	toolNode := &node.Config{ID: "t", Kind: node.KindTool}
	agentNode := func(id string) *node.Config { return &node.Config{ID: id, Kind: node.KindAgent} }

	assert.Equal(t, ratelimit.TierSimple, ratelimit.Classify([]*node.Config{toolNode}).Tier)
	assert.Equal(t, ratelimit.TierStandard, ratelimit.Classify([]*node.Config{toolNode, agentNode("a")}).Tier)

	heavy := ratelimit.Classify([]*node.Config{
		agentNode("a"), agentNode("b"),
		{ID: "s", Kind: node.KindSwarm},
		toolNode,
	})
	assert.Equal(t, ratelimit.TierHeavy, heavy.Tier)
	assert.Equal(t, 3, heavy.AgentNodes)
	assert.Equal(t, 4, heavy.TotalNodes)

	// Opaque nested workflows count toward the agent budget
	nested := ratelimit.Classify([]*node.Config{{ID: "w", Kind: node.KindWorkflow}})
	assert.Equal(t, ratelimit.TierStandard, nested.Tier)
}

func TestLimitForUnknownTierFallsBackToHeavy(t *testing.T) {
	assert.Equal(t, ratelimit.DefaultTierLimits[ratelimit.TierHeavy].Limit,
		ratelimit.LimitFor(ratelimit.Tier("mystery")).Limit)
}
