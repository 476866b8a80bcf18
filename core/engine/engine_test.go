package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/core/cache"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/engine"
	"github.com/lyzr/flowcore/core/event"
	"github.com/lyzr/flowcore/core/exec"
	"github.com/lyzr/flowcore/core/node"
	"github.com/lyzr/flowcore/core/registry"
	"github.com/lyzr/flowcore/core/tools"
)

// fnTool adapts a closure into a registry tool for test fixtures
type fnTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (map[string]any, error)
}

func (t *fnTool) Name() string                 { return t.name }
func (t *fnTool) Description() string          { return "test tool " + t.name }
func (t *fnTool) InputSchema() map[string]any  { return nil }
func (t *fnTool) OutputSchema() map[string]any { return nil }
func (t *fnTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.fn(ctx, args)
}

type harness struct {
	engine     *engine.Engine
	registry   *registry.Registry
	dispatcher *exec.Dispatcher
}

func newHarness(t *testing.T, opts engine.Opts) *harness {
	t.Helper()

	reg := registry.New()
	require.NoError(t, tools.RegisterBuiltins(reg))

	log := logger.Nop()
	dispatcher := exec.New(exec.Opts{
		Logger:   log,
		Cache:    cache.NewMemoryCache(log),
		CacheTTL: time.Minute,
	})

	opts.Logger = log
	opts.Registry = reg
	opts.Dispatcher = dispatcher

	eng, err := engine.New(opts)
	require.NoError(t, err)

	return &harness{engine: eng, registry: reg, dispatcher: dispatcher}
}

func toolNode(id, tool string, args map[string]any, deps []string, mappings map[string]node.Mapping) *node.Config {
	return &node.Config{
		ID:            id,
		Kind:          node.KindTool,
		Dependencies:  deps,
		InputMappings: mappings,
		Tool:          &node.ToolConfig{ToolName: tool, ToolArgs: args},
	}
}

// collector records every bus event in emission order
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) bus() *event.Bus {
	bus := event.NewBus()
	bus.Subscribe(func(e event.Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	})
	return bus
}

func (c *collector) ofType(t event.Type) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (c *collector) forNode(nodeID string, t event.Type) (event.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.NodeID == nodeID && e.Type == t {
			return e, true
		}
	}
	return event.Event{}, false
}

func TestTwoToolChain(t *testing.T) {
	h := newHarness(t, engine.Opts{})

	nodes := []*node.Config{
		toolNode("A", "echo", map[string]any{"value": map[string]any{"x": 1}}, nil, nil),
		toolNode("B", "add_one", nil, []string{"A"}, map[string]node.Mapping{
			"value": {SourceNodeID: "A", SourcePath: "value.x"},
		}),
	}

	result, err := h.engine.Execute(context.Background(), "wf-chain", nodes, engine.RunOpts{})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	b, ok := result.Output["B"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), b["result"])
}

func TestConditionSplitGatesFalseBranch(t *testing.T) {
	h := newHarness(t, engine.Opts{})
	col := &collector{}

	nodes := []*node.Config{
		toolNode("A", "echo", map[string]any{"value": map[string]any{"n": 5}}, nil, nil),
		{
			ID:           "C",
			Kind:         node.KindCondition,
			Dependencies: []string{"A"},
			InputMappings: map[string]node.Mapping{
				"n": {SourceNodeID: "A", SourcePath: "value.n"},
			},
			Condition: &node.ConditionConfig{
				Expression:  "n > 3",
				TrueBranch:  []string{"T"},
				FalseBranch: []string{"F"},
			},
		},
		toolNode("T", "echo", map[string]any{"value": "taken"}, []string{"C"}, nil),
		toolNode("F", "echo", map[string]any{"value": "gated"}, []string{"C"}, nil),
	}

	result, err := h.engine.Execute(context.Background(), "wf-cond", nodes, engine.RunOpts{Bus: col.bus()})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	assert.Contains(t, result.Output, "T")
	assert.NotContains(t, result.Output, "F")

	_, started := col.forNode("F", event.NodeStarted)
	assert.False(t, started, "gated branch node must never start")

	c, ok := result.Output["C"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, c["result"])
}

func TestParallelWaitAll(t *testing.T) {
	h := newHarness(t, engine.Opts{})

	nodes := []*node.Config{
		toolNode("b1", "echo", map[string]any{"value": "one"}, nil, nil),
		toolNode("b2", "echo", map[string]any{"value": "two"}, nil, nil),
		{
			ID:   "P",
			Kind: node.KindParallel,
			Parallel: &node.ParallelConfig{
				Branches:     [][]string{{"b1"}, {"b2"}},
				WaitStrategy: node.WaitAll,
			},
		},
	}

	result, err := h.engine.Execute(context.Background(), "wf-par-all", nodes, engine.RunOpts{})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	p, ok := result.Output["P"].(map[string]any)
	require.True(t, ok)
	branches, ok := p["branches"].([]any)
	require.True(t, ok)
	assert.Len(t, branches, 2)
}

func TestParallelWaitAnyCancelsLosers(t *testing.T) {
	h := newHarness(t, engine.Opts{})

	var slowCancelled atomic.Bool
	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "fast", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"speed": "fast"}, nil
	}}, false))
	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "slow", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			slowCancelled.Store(true)
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{"speed": "slow"}, nil
		}
	}}, false))

	nodes := []*node.Config{
		toolNode("fastN", "fast", nil, nil, nil),
		toolNode("slowN", "slow", nil, nil, nil),
		{
			ID:   "P",
			Kind: node.KindParallel,
			Parallel: &node.ParallelConfig{
				Branches:     [][]string{{"fastN"}, {"slowN"}},
				WaitStrategy: node.WaitAny,
			},
		},
	}

	col := &collector{}
	start := time.Now()
	result, err := h.engine.Execute(context.Background(), "wf-par-any", nodes, engine.RunOpts{Bus: col.bus()})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Less(t, time.Since(start), 3*time.Second, "any must not wait for the slow branch")
	assert.True(t, slowCancelled.Load(), "loser is cancelled, not left running")

	p, ok := result.Output["P"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0, p["winner"])
	outputs, ok := p["outputs"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, outputs, "fastN")

	// The cancelled loser's events land before the run closes its stream
	col.mu.Lock()
	require.NotEmpty(t, col.events)
	last := col.events[len(col.events)-1]
	col.mu.Unlock()
	assert.Equal(t, event.WorkflowCompleted, last.Type)
}

func TestParallelAnyAbsorbsBranchFailure(t *testing.T) {
	h := newHarness(t, engine.Opts{})
	col := &collector{}

	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "instafail", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	}}, false))
	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "slowwin", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return map[string]any{"ok": true}, nil
		}
	}}, false))

	nodes := []*node.Config{
		toolNode("bad", "instafail", nil, nil, nil),
		toolNode("winN", "slowwin", nil, nil, nil),
		{
			ID:   "P",
			Kind: node.KindParallel,
			Parallel: &node.ParallelConfig{
				Branches:     [][]string{{"bad"}, {"winN"}},
				WaitStrategy: node.WaitAny,
			},
		},
	}

	result, err := h.engine.Execute(context.Background(), "wf-par-any-absorb", nodes, engine.RunOpts{Bus: col.bus()})
	require.NoError(t, err)

	// The losing branch's failure belongs to P, and P succeeded
	require.True(t, result.Success, result.Error)
	p, ok := result.Output["P"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, p["winner"])
	assert.NotContains(t, result.Output, "bad")

	// The event stream ends with WorkflowCompleted; branch outcomes are
	// settled before the parallel node returns
	col.mu.Lock()
	require.NotEmpty(t, col.events)
	last := col.events[len(col.events)-1]
	col.mu.Unlock()
	assert.Equal(t, event.WorkflowCompleted, last.Type)
	assert.Equal(t, true, last.Data["success"])
}

func TestParallelRaceSurfacesFirstCompletion(t *testing.T) {
	h := newHarness(t, engine.Opts{})

	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "failfast", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	}}, false))
	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "slowok", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{"ok": true}, nil
		}
	}}, false))

	nodes := []*node.Config{
		toolNode("bad", "failfast", nil, nil, nil),
		toolNode("good", "slowok", nil, nil, nil),
		{
			ID:   "P",
			Kind: node.KindParallel,
			Parallel: &node.ParallelConfig{
				Branches:     [][]string{{"bad"}, {"good"}},
				WaitStrategy: node.WaitRace,
			},
		},
	}

	result, err := h.engine.Execute(context.Background(), "wf-par-race", nodes, engine.RunOpts{})
	require.NoError(t, err)
	assert.False(t, result.Success, "race settles on the first completion even when it failed")
	assert.Contains(t, result.Error, "bad")
}

func TestTokenCeilingAbortsRun(t *testing.T) {
	h := newHarness(t, engine.Opts{TokenCeiling: 100})

	require.NoError(t, h.dispatcher.Register(node.KindLLM, func(ctx context.Context, hd exec.Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
		return map[string]any{"text": "x"}, &node.Usage{TokensIn: 100, TokensOut: 50}, nil
	}, true))

	nodes := []*node.Config{
		{ID: "L", Kind: node.KindLLM, LLM: &node.LLMConfig{Model: "test"}},
		toolNode("after", "echo", map[string]any{"value": 1}, []string{"L"}, nil),
	}

	result, err := h.engine.Execute(context.Background(), "wf-tokens", nodes, engine.RunOpts{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "exceeds ceiling")
	assert.Equal(t, node.ErrTokenBudget, result.Metadata.ErrorType)
	assert.NotContains(t, result.Output, "after", "no further level may be scheduled")
}

func TestDepthCeilingAbortsRun(t *testing.T) {
	h := newHarness(t, engine.Opts{DepthCeiling: 2})

	nodes := []*node.Config{
		toolNode("n0", "echo", map[string]any{"value": 0}, nil, nil),
		toolNode("n1", "echo", map[string]any{"value": 1}, []string{"n0"}, nil),
		toolNode("n2", "echo", map[string]any{"value": 2}, []string{"n1"}, nil),
		toolNode("n3", "echo", map[string]any{"value": 3}, []string{"n2"}, nil),
	}

	result, err := h.engine.Execute(context.Background(), "wf-depth", nodes, engine.RunOpts{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, node.ErrDepthExceeded, result.Metadata.ErrorType)
	assert.NotContains(t, result.Output, "n3")
}

func TestRecursiveConvergenceRunsSourcesThreeTimes(t *testing.T) {
	h := newHarness(t, engine.Opts{})

	var executions atomic.Int32
	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "probe", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		n := executions.Add(1)
		return map[string]any{
			"_can_recurse": true,
			"converged":    n >= 3,
		}, nil
	}}, false))

	nodes := []*node.Config{
		toolNode("S", "probe", nil, nil, nil),
		{
			ID:           "R",
			Kind:         node.KindRecursive,
			Dependencies: []string{"S"},
			InputMappings: map[string]node.Mapping{
				"_can_recurse": {SourceNodeID: "S", SourcePath: "_can_recurse"},
				"converged":    {SourceNodeID: "S", SourcePath: "converged"},
			},
			Recursive: &node.RecursiveConfig{RecursiveSources: []string{"S"}},
		},
	}

	result, err := h.engine.Execute(context.Background(), "wf-recursive", nodes, engine.RunOpts{})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, int32(3), executions.Load(), "initial run plus two re-entries")

	r, ok := result.Output["R"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, r["converged"])
}

func TestContinuePossibleSkipsDescendantsOfFailure(t *testing.T) {
	h := newHarness(t, engine.Opts{FailurePolicy: engine.ContinuePossible})

	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "boom", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	}}, false))

	nodes := []*node.Config{
		toolNode("bad", "boom", nil, nil, nil),
		toolNode("independent", "echo", map[string]any{"value": "ok"}, nil, nil),
		toolNode("child", "echo", map[string]any{"value": "never"}, []string{"bad"}, nil),
	}

	result, err := h.engine.Execute(context.Background(), "wf-policy", nodes, engine.RunOpts{})
	require.NoError(t, err)
	assert.False(t, result.Success)

	assert.Contains(t, result.Output, "independent")
	assert.NotContains(t, result.Output, "child")

	bad, ok := result.Output["bad"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, bad["success"])
}

func TestHaltStopsSchedulingAfterFailingLevel(t *testing.T) {
	h := newHarness(t, engine.Opts{FailurePolicy: engine.Halt})

	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "boom", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	}}, false))

	nodes := []*node.Config{
		toolNode("bad", "boom", nil, nil, nil),
		toolNode("next", "echo", map[string]any{"value": 1}, []string{"bad"}, nil),
	}

	result, err := h.engine.Execute(context.Background(), "wf-halt", nodes, engine.RunOpts{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotContains(t, result.Output, "next")
}

func TestHappensBeforeAcrossLevels(t *testing.T) {
	h := newHarness(t, engine.Opts{})
	col := &collector{}

	nodes := []*node.Config{
		toolNode("A", "echo", map[string]any{"value": 1}, nil, nil),
		toolNode("B", "add_one", nil, []string{"A"}, map[string]node.Mapping{
			"value": {SourceNodeID: "A", SourcePath: "value"},
		}),
	}

	result, err := h.engine.Execute(context.Background(), "wf-order", nodes, engine.RunOpts{Bus: col.bus()})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	aDone, ok := col.forNode("A", event.NodeCompleted)
	require.True(t, ok)
	bStart, ok := col.forNode("B", event.NodeStarted)
	require.True(t, ok)
	assert.Greater(t, bStart.Sequence, aDone.Sequence, "child start is ordered after parent completion")

	var last int64 = -1
	col.mu.Lock()
	for _, e := range col.events {
		assert.Greater(t, e.Sequence, last)
		last = e.Sequence
	}
	col.mu.Unlock()

	completed := col.ofType(event.WorkflowCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, true, completed[0].Data["success"])
}

func TestDeterministicCacheReplay(t *testing.T) {
	h := newHarness(t, engine.Opts{})

	var calls atomic.Int32
	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "counted", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"value": args["value"]}, nil
	}}, false))

	mkNodes := func() []*node.Config {
		n := toolNode("A", "counted", map[string]any{"value": "stable"}, nil, nil)
		n.UseCache = true
		return []*node.Config{n}
	}

	first, err := h.engine.Execute(context.Background(), "wf-cache", mkNodes(), engine.RunOpts{})
	require.NoError(t, err)
	require.True(t, first.Success, first.Error)

	col := &collector{}
	second, err := h.engine.Execute(context.Background(), "wf-cache", mkNodes(), engine.RunOpts{Bus: col.bus()})
	require.NoError(t, err)
	require.True(t, second.Success, second.Error)

	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, int32(1), calls.Load(), "second run replays from cache")

	done, ok := col.forNode("A", event.NodeCompleted)
	require.True(t, ok)
	assert.Equal(t, true, done.Data["cache_hit"])
}

func TestLoopSequentialCollectsResults(t *testing.T) {
	h := newHarness(t, engine.Opts{})

	nodes := []*node.Config{
		toolNode("seed", "echo", map[string]any{"value": []any{1, 2, 3}}, nil, nil),
		{
			ID:           "L",
			Kind:         node.KindLoop,
			Dependencies: []string{"seed"},
			Loop: &node.LoopConfig{
				IteratorPath: "seed.value",
				BodyNodes:    []string{"body"},
			},
		},
		toolNode("body", "echo", nil, []string{"L"}, map[string]node.Mapping{
			"value": {SourceNodeID: "L", SourcePath: "item"},
		}),
	}

	result, err := h.engine.Execute(context.Background(), "wf-loop", nodes, engine.RunOpts{})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	l, ok := result.Output["L"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, l["count"])
}

func TestCancellationStopsScheduling(t *testing.T) {
	h := newHarness(t, engine.Opts{})

	require.NoError(t, h.registry.RegisterTool(&fnTool{name: "hang", fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, false))

	nodes := []*node.Config{
		toolNode("stuck", "hang", nil, nil, nil),
		toolNode("later", "echo", map[string]any{"value": 1}, []string{"stuck"}, nil),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := h.engine.Execute(ctx, "wf-cancel", nodes, engine.RunOpts{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotContains(t, result.Output, "later")
}
