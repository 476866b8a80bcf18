// Package engine orchestrates workflow runs: level-by-level scheduling under
// a weighted semaphore, branch gating, failure policies, token and depth
// ceilings, recursive re-entry, and event emission.
package engine

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/event"
	"github.com/lyzr/flowcore/core/exec"
	"github.com/lyzr/flowcore/core/graph"
	"github.com/lyzr/flowcore/core/llm"
	"github.com/lyzr/flowcore/core/node"
	"github.com/lyzr/flowcore/core/registry"
)

// FailurePolicy decides continuation after node failures
type FailurePolicy string

const (
	// Halt stops scheduling after the first level with a failure
	Halt FailurePolicy = "halt"
	// ContinuePossible skips descendants of failed nodes, runs the rest
	ContinuePossible FailurePolicy = "continue_possible"
	// AlwaysContinue never aborts; unreachable nodes fail on their own
	AlwaysContinue FailurePolicy = "always_continue"
)

// Guards override ceiling enforcement. A guard returning true lets the run
// proceed past the ceiling.
type (
	TokenGuard func(total, ceiling int64) bool
	DepthGuard func(level, ceiling int) bool
)

// Opts configures an engine
type Opts struct {
	Logger     exec.Logger
	Registry   *registry.Registry
	Dispatcher *exec.Dispatcher
	Provider   llm.Provider

	MaxParallel   int64
	TokenCeiling  int64
	DepthCeiling  int
	FailurePolicy FailurePolicy

	TokenGuard TokenGuard
	DepthGuard DepthGuard
}

// Engine executes blueprints. One engine serves many concurrent runs.
type Engine struct {
	log        exec.Logger
	registry   *registry.Registry
	dispatcher *exec.Dispatcher
	provider   llm.Provider

	maxParallel  int64
	tokenCeiling int64
	depthCeiling int
	policy       FailurePolicy
	tokenGuard   TokenGuard
	depthGuard   DepthGuard
}

// New creates an engine. Registry, Dispatcher, and Logger are required.
func New(opts Opts) (*Engine, error) {
	if opts.Logger == nil || opts.Registry == nil || opts.Dispatcher == nil {
		return nil, errs.New(errs.Validation, "engine requires logger, registry, and dispatcher")
	}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 8
	}
	depthCeiling := opts.DepthCeiling
	if depthCeiling <= 0 {
		depthCeiling = 32
	}
	policy := opts.FailurePolicy
	if policy == "" {
		policy = ContinuePossible
	}

	return &Engine{
		log:          opts.Logger,
		registry:     opts.Registry,
		dispatcher:   opts.Dispatcher,
		provider:     opts.Provider,
		maxParallel:  maxParallel,
		tokenCeiling: opts.TokenCeiling,
		depthCeiling: depthCeiling,
		policy:       policy,
		tokenGuard:   opts.TokenGuard,
		depthGuard:   opts.DepthGuard,
	}, nil
}

// RunOpts carries per-run overrides and identity
type RunOpts struct {
	RunID         string
	SessionID     string
	Tenant        string
	Metadata      map[string]any
	MaxParallel   int64
	TokenCeiling  int64
	DepthCeiling  int
	FailurePolicy FailurePolicy
	Bus           *event.Bus
	Decisions     *exec.Decisions
	ContextWindow ctxstore.Options
}

// Execute runs a validated node set to completion and returns the aggregate
// workflow result. The run executes synchronously on the calling goroutine;
// hosts wanting fire-and-forget wrap it themselves.
func (e *Engine) Execute(ctx context.Context, workflowID string, nodes []*node.Config, opts RunOpts) (*node.Result, error) {
	run, err := e.newRun(workflowID, nodes, opts, 0)
	if err != nil {
		return nil, err
	}
	return run.execute(ctx), nil
}

// Resume re-enters a checkpointed run at its lowest incomplete level. The
// checkpoint restores per-node results, branch decisions, and the context
// snapshot; completed nodes are not re-executed.
func (e *Engine) Resume(ctx context.Context, workflowID string, nodes []*node.Config, cp *event.Checkpoint, opts RunOpts) (*node.Result, error) {
	run, err := e.newRun(workflowID, nodes, opts, 0)
	if err != nil {
		return nil, err
	}

	run.state = event.Restore(cp)
	run.ec.Store().Restore(cp.Context)

	for condID, verdict := range cp.Branches {
		cfg, ok := run.graph.Node(condID)
		if !ok || cfg.Condition == nil {
			continue
		}
		excluded := cfg.Condition.FalseBranch
		if !verdict {
			excluded = cfg.Condition.TrueBranch
		}
		for _, id := range excluded {
			run.inactive[id] = true
		}
	}

	run.startLevel = lowestIncompleteLevel(run)
	return run.execute(ctx), nil
}

func lowestIncompleteLevel(r *run) int {
	for level := 0; level <= r.graph.MaxLevel(); level++ {
		for _, id := range r.graph.AtLevel(level) {
			if _, done := r.state.Result(id); done {
				continue
			}
			if r.state.Skipped(id) || r.controlled[id] {
				continue
			}
			return level
		}
	}
	return r.graph.MaxLevel() + 1
}

// newRun validates the node set, builds the graph, and assembles run state
func (e *Engine) newRun(workflowID string, nodes []*node.Config, opts RunOpts, depth int) (*run, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	state := event.NewState(runID, workflowID)
	if err := state.Transition(event.StatusValidating); err != nil {
		return nil, err
	}

	if err := node.ValidateSet(nodes); err != nil {
		return nil, err
	}

	g, err := graph.Build(nodes)
	if err != nil {
		return nil, err
	}
	report, err := g.CheckAlignment(false)
	if err != nil {
		return nil, err
	}
	for _, w := range report.Warnings {
		e.log.Warn("schema alignment", "run_id", runID, "warning", w)
	}
	for _, msg := range report.Errors {
		e.log.Warn("schema alignment", "run_id", runID, "error", msg)
	}

	ec, err := ctxstore.NewContext(runID, opts.SessionID, opts.Tenant, opts.Metadata, opts.ContextWindow)
	if err != nil {
		return nil, err
	}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.maxParallel
	}
	tokenCeiling := opts.TokenCeiling
	if tokenCeiling <= 0 {
		tokenCeiling = e.tokenCeiling
	}
	depthCeiling := opts.DepthCeiling
	if depthCeiling <= 0 {
		depthCeiling = e.depthCeiling
	}
	policy := opts.FailurePolicy
	if policy == "" {
		policy = e.policy
	}
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus()
	}
	decisions := opts.Decisions
	if decisions == nil {
		decisions = exec.NewDecisions()
	}

	return &run{
		engine:       e,
		runID:        runID,
		workflowID:   workflowID,
		graph:        g,
		state:        state,
		ec:           ec,
		bus:          bus,
		evaluator:    exec.NewEvaluator(),
		decisions:    decisions,
		sem:          semaphore.NewWeighted(maxParallel),
		maxParallel:  maxParallel,
		tokenCeiling: tokenCeiling,
		depthCeiling: depthCeiling,
		policy:       policy,
		depth:        depth,
		inactive:     make(map[string]bool),
		controlled:   controlledSet(nodes),
		passes:       make(map[string]int),
		log:          e.log,
	}, nil
}

// controlledSet collects node ids driven by loop and parallel controllers;
// the level scheduler must not start them independently
func controlledSet(nodes []*node.Config) map[string]bool {
	controlled := make(map[string]bool)
	for _, n := range nodes {
		switch {
		case n.Kind == node.KindLoop && n.Loop != nil:
			for _, id := range n.Loop.BodyNodes {
				controlled[id] = true
			}
		case n.Kind == node.KindParallel && n.Parallel != nil:
			for _, branch := range n.Parallel.Branches {
				for _, id := range branch {
					controlled[id] = true
				}
			}
		}
	}
	return controlled
}
