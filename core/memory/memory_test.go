package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/common/redis"
	"github.com/lyzr/flowcore/core/memory"
)

func newMemory(t *testing.T, cfg memory.Config) *memory.Memory {
	t.Helper()
	m, err := memory.New(cfg, memory.NewMemBackend(0, 0))
	require.NoError(t, err)
	return m
}

func TestCheckGuaranteesRejectsSuperset(t *testing.T) {
	backend := memory.NewMemBackend(0, 0)

	// The in-process backend offers ephemeral and ttl only
	err := memory.CheckGuarantees(memory.Config{
		Guarantees: []memory.Guarantee{memory.GuaranteeDurable},
	}, backend)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation))

	err = memory.CheckGuarantees(memory.Config{
		Guarantees: []memory.Guarantee{memory.GuaranteeEphemeral, memory.GuaranteeTTL},
	}, backend)
	require.NoError(t, err)
}

func TestNewRequiresEmbeddingDimForVectorSearch(t *testing.T) {
	_, err := memory.New(memory.Config{EnableVectorSearch: true}, memory.NewMemBackend(0, 0))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestWorkingStoreRetrieveBumpsAccessCount(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	_, err := m.Working.Store(ctx, "scratch", "intermediate state", nil)
	require.NoError(t, err)

	e, err := m.Working.Retrieve(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, 1, e.AccessCount)
	assert.Positive(t, e.TokenUsage)

	e, err = m.Working.Retrieve(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, 2, e.AccessCount)
}

func TestMemBackendLRUEviction(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewMemBackend(2, 0)

	require.NoError(t, backend.Put(ctx, "a", &memory.Entry{Key: "a"}))
	require.NoError(t, backend.Put(ctx, "b", &memory.Entry{Key: "b"}))

	// Touching "a" makes "b" the cold end
	_, err := backend.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, backend.Put(ctx, "c", &memory.Entry{Key: "c"}))

	_, err = backend.Get(ctx, "b")
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = backend.Get(ctx, "a")
	require.NoError(t, err)
	_, err = backend.Get(ctx, "c")
	require.NoError(t, err)
}

func TestWorkingSetImportanceClamps(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	_, err := m.Working.Store(ctx, "k", "v", nil)
	require.NoError(t, err)

	require.NoError(t, m.Working.SetImportance(ctx, "k", 42))
	e, err := m.Working.Retrieve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.Importance)
}

func TestMemBackendTTLExpiry(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewMemBackend(0, 20*time.Millisecond)

	require.NoError(t, backend.Put(ctx, "k", &memory.Entry{Key: "k", Content: "v"}))

	_, err := backend.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = backend.Get(ctx, "k")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSearchMatchesContentAndFilters(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	_, err := m.Working.Store(ctx, "n1", "deploy failed on staging", map[string]any{"env": "staging"})
	require.NoError(t, err)
	_, err = m.Working.Store(ctx, "n2", "deploy succeeded on prod", map[string]any{"env": "prod"})
	require.NoError(t, err)

	matches, err := m.Working.Search(ctx, "deploy", 0, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = m.Working.Search(ctx, "deploy", 0, map[string]any{"env": "prod"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "n2", matches[0].Key)

	// Case-insensitive content match
	matches, err = m.Working.Search(ctx, "STAGING", 0, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEpisodicHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	base := time.Now()
	for i, outcome := range []string{"failure", "success", "success"} {
		require.NoError(t, m.Episodic.RecordEpisode(ctx, &memory.Episode{
			Type:         "deployment",
			Participants: []string{"svc-a"},
			Outcome:      outcome,
			Content:      "run",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	episodes, err := m.Episodic.GetHistory(ctx, memory.EpisodeFilter{Type: "deployment"})
	require.NoError(t, err)
	require.Len(t, episodes, 3)
	assert.True(t, episodes[0].Timestamp.After(episodes[1].Timestamp))

	// Outcome filter and limit
	episodes, err = m.Episodic.GetHistory(ctx, memory.EpisodeFilter{Outcome: "success", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, episodes, 1)

	stats, err := m.Episodic.AnalyzePatterns(ctx, memory.EpisodeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByOutcome["success"])
	assert.Equal(t, "success", stats.TopOutcome)
}

func TestVectorIndexDimensionEnforced(t *testing.T) {
	idx := memory.NewVectorIndex(3)

	require.NoError(t, idx.Upsert("a", []float32{1, 0, 0}))

	err := idx.Upsert("b", []float32{1, 0})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = idx.Query([]float32{1, 0, 0, 0}, 1)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestVectorIndexNearestNeighbours(t *testing.T) {
	idx := memory.NewVectorIndex(2)

	require.NoError(t, idx.Upsert("east", []float32{1, 0}))
	require.NoError(t, idx.Upsert("north", []float32{0, 1}))
	require.NoError(t, idx.Upsert("northeast", []float32{1, 1}))

	matches, err := idx.Query([]float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "east", matches[0].Key)
	assert.Equal(t, "northeast", matches[1].Key)

	idx.Delete("east")
	assert.Equal(t, 2, idx.Size())
}

func TestSemanticVectorSearch(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{EnableVectorSearch: true, EmbeddingDim: 2})
	require.True(t, m.Semantic.VectorSearchEnabled())

	require.NoError(t, m.Semantic.StoreFact(ctx, "f1", "go is compiled", nil, []float32{1, 0}))
	require.NoError(t, m.Semantic.StoreFact(ctx, "f2", "python is interpreted", nil, []float32{0, 1}))

	entries, err := m.Semantic.SearchByEmbedding(ctx, []float32{0.9, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f1", entries[0].Key)
}

func TestSemanticRejectsEmbeddingWithoutIndex(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	err := m.Semantic.StoreFact(ctx, "f", "fact", nil, []float32{1, 0})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestSemanticEntitiesAndRelations(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	require.NoError(t, m.Semantic.StoreEntity(ctx, &memory.Entity{
		Name:       "orders-svc",
		Properties: map[string]any{"lang": "go"},
	}))

	entity, err := m.Semantic.GetEntity(ctx, "orders-svc")
	require.NoError(t, err)
	assert.Equal(t, "go", entity.Properties["lang"])

	require.NoError(t, m.Semantic.Relate(ctx, "orders-svc", "depends_on", "billing-svc"))
	require.NoError(t, m.Semantic.Relate(ctx, "orders-svc", "depends_on", "auth-svc"))

	relations, err := m.Semantic.Relations(ctx, "orders-svc")
	require.NoError(t, err)
	assert.Len(t, relations, 2)
}

func TestProceduralSuccessTracking(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	require.NoError(t, m.Procedural.StoreProcedure(ctx, &memory.Procedure{
		Name:     "rollback",
		TaskType: "deployment",
		Steps:    []string{"halt traffic", "restore previous"},
	}))

	require.NoError(t, m.Procedural.RecordOutcome(ctx, "rollback", true))
	require.NoError(t, m.Procedural.RecordOutcome(ctx, "rollback", true))
	require.NoError(t, m.Procedural.RecordOutcome(ctx, "rollback", false))

	p, err := m.Procedural.GetProcedure(ctx, "rollback")
	require.NoError(t, err)
	assert.Equal(t, 3, p.UsageCount)
	assert.InDelta(t, 2.0/3.0, p.SuccessRate, 1e-9)
}

func TestProceduralApplicabilityFilter(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	require.NoError(t, m.Procedural.StoreProcedure(ctx, &memory.Procedure{
		Name:          "blue-green",
		TaskType:      "deployment",
		Applicability: map[string]any{"env": "prod"},
	}))
	require.NoError(t, m.Procedural.StoreProcedure(ctx, &memory.Procedure{
		Name:     "in-place",
		TaskType: "deployment",
	}))

	found, err := m.Procedural.FindProcedures(ctx, "deployment", map[string]any{"env": "staging"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "in-place", found[0].Name)

	found, err = m.Procedural.FindProcedures(ctx, "deployment", map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestProceduralCompose(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	require.NoError(t, m.Procedural.StoreProcedure(ctx, &memory.Procedure{
		Name: "build", Steps: []string{"compile"},
	}))
	require.NoError(t, m.Procedural.StoreProcedure(ctx, &memory.Procedure{
		Name: "ship", Steps: []string{"push", "release"},
	}))

	composite, err := m.Procedural.Compose(ctx, "build-and-ship", "release", []string{"build", "ship"})
	require.NoError(t, err)
	assert.Equal(t, []string{"compile", "push", "release"}, composite.Steps)

	// Missing sub-procedure aborts composition
	_, err = m.Procedural.Compose(ctx, "bad", "release", []string{"ghost"})
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestUsageStatsAggregates(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, memory.Config{})

	_, err := m.Working.Store(ctx, "a", "some content here", nil)
	require.NoError(t, err)
	_, err = m.Semantic.Store(ctx, "b", "a fact", nil)
	require.NoError(t, err)

	stats, err := m.GetUsageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["working"].Entries)
	assert.Equal(t, 1, stats["semantic"].Entries)
	assert.Zero(t, stats["episodic"].Entries)
	assert.Positive(t, stats["working"].TotalTokens)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	backend := memory.NewRedisBackend(redis.NewClient(client, logger.Nop()), 0)

	m, err := memory.New(memory.Config{
		Guarantees: []memory.Guarantee{memory.GuaranteeDurable},
	}, backend)
	require.NoError(t, err)

	_, err = m.Episodic.Store(ctx, "e1", "recorded", map[string]any{"k": "v"})
	require.NoError(t, err)

	e, err := m.Episodic.Retrieve(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "recorded", e.Content)

	keys, err := m.Episodic.ListKeys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, keys)

	require.NoError(t, m.Episodic.Clear(ctx, ""))
	_, err = m.Episodic.Retrieve(ctx, "e1")
	assert.True(t, errs.Is(err, errs.NotFound))
}
