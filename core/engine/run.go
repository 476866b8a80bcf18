package engine

import (
	"context"
	"sync"

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

// run is one workflow execution. It implements exec.Handle so executors can
// call back into the engine without importing it.
type run struct {
	engine     *Engine
	runID      string
	workflowID string

	graph     *graph.Graph
	state     *event.State
	ec        *ctxstore.Context
	bus       *event.Bus
	evaluator *exec.Evaluator
	decisions *exec.Decisions
	sem       *semaphore.Weighted
	log       exec.Logger

	maxParallel  int64
	tokenCeiling int64
	depthCeiling int
	policy       FailurePolicy
	depth        int
	startLevel   int

	mu         sync.Mutex
	inactive   map[string]bool
	controlled map[string]bool
	passes     map[string]int
}

var _ exec.Handle = (*run)(nil)

func (r *run) RunID() string                { return r.runID }
func (r *run) WorkflowID() string           { return r.workflowID }
func (r *run) Graph() *graph.Graph          { return r.graph }
func (r *run) State() *event.State          { return r.state }
func (r *run) Registry() *registry.Registry { return r.engine.registry }
func (r *run) Provider() llm.Provider       { return r.engine.provider }
func (r *run) Evaluator() *exec.Evaluator   { return r.evaluator }
func (r *run) Decisions() *exec.Decisions   { return r.decisions }
func (r *run) MaxParallel() int64           { return r.maxParallel }
func (r *run) Depth() int                   { return r.depth }

// RunNode dispatches one node on behalf of a controlling executor
func (r *run) RunNode(ctx context.Context, id string, ec *ctxstore.Context) (*node.Result, error) {
	cfg, ok := r.graph.Node(id)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "node %q not in graph", id)
	}
	return r.runNode(ctx, cfg, ec), nil
}

// RunSubflow executes a registered workflow definition as a nested run,
// one depth level down. The nested run shares the parent's event bus so
// its events ride the same ordered stream.
func (r *run) RunSubflow(ctx context.Context, ref string, overrides map[string]any, ec *ctxstore.Context) (*node.Result, error) {
	if r.depth+1 > r.depthCeiling {
		return nil, errs.Newf(errs.DepthExceeded, "sub-workflow %q would exceed depth ceiling %d", ref, r.depthCeiling)
	}

	def, err := r.engine.registry.Workflow(ref)
	if err != nil {
		return nil, err
	}
	nodes, ok := def.([]*node.Config)
	if !ok {
		return nil, errs.Newf(errs.Validation, "workflow %q is not a node list", ref)
	}

	metadata := make(map[string]any, len(ec.Metadata)+len(overrides))
	for k, v := range ec.Metadata {
		metadata[k] = v
	}
	for k, v := range overrides {
		metadata[k] = v
	}

	nested, err := r.engine.newRun(ref, nodes, RunOpts{
		SessionID:     ec.SessionID,
		Tenant:        ec.Tenant,
		Metadata:      metadata,
		MaxParallel:   r.maxParallel,
		TokenCeiling:  r.tokenCeiling,
		DepthCeiling:  r.depthCeiling,
		FailurePolicy: r.policy,
		Bus:           r.bus,
	}, r.depth+1)
	if err != nil {
		return nil, err
	}

	return nested.execute(ctx), nil
}

// runNode is the single path every node execution takes: events, dispatch,
// state recording, and branch bookkeeping
func (r *run) runNode(ctx context.Context, cfg *node.Config, ec *ctxstore.Context) *node.Result {
	r.emit(event.NodeStarted, cfg.ID, nil)

	result := r.engine.dispatcher.Dispatch(ctx, r, cfg, ec)
	r.state.RecordResult(cfg.ID, result)

	if result.Success {
		if cfg.Kind == node.KindCondition {
			r.recordBranch(cfg, result)
		}
		r.emit(event.NodeCompleted, cfg.ID, map[string]any{
			"duration_ms": result.Metadata.DurationMS,
			"cache_hit":   result.CacheHit,
		})
	} else {
		r.emit(event.NodeFailed, cfg.ID, map[string]any{
			"error":      result.Error,
			"error_type": string(result.Metadata.ErrorType),
		})
	}
	return result
}

// recordBranch stores the condition verdict and deactivates the losing
// branch. Activation is monotonic: nothing here reactivates a node.
func (r *run) recordBranch(cfg *node.Config, result *node.Result) {
	verdict, _ := result.Output["result"].(bool)
	r.state.SetBranch(cfg.ID, verdict)

	excluded := cfg.Condition.FalseBranch
	if !verdict {
		excluded = cfg.Condition.TrueBranch
	}

	r.mu.Lock()
	for _, id := range excluded {
		r.inactive[id] = true
	}
	r.mu.Unlock()
}

// active reports whether a node may run: it must not sit on an excluded
// branch, and it needs at least one live dependency path when its parents
// were deactivated
func (r *run) active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(id, make(map[string]bool))
}

func (r *run) activeLocked(id string, visiting map[string]bool) bool {
	if r.inactive[id] {
		return false
	}
	if visiting[id] {
		return false
	}
	visiting[id] = true

	deps := r.graph.Dependencies(id)
	if len(deps) == 0 {
		return true
	}
	for _, dep := range deps {
		if r.activeLocked(dep, visiting) {
			return true
		}
	}
	// Every dependency path is gated out
	r.inactive[id] = true
	return false
}

func (r *run) emit(t event.Type, nodeID string, data map[string]any) {
	r.bus.Emit(event.Event{
		WorkflowID: r.workflowID,
		RunID:      r.runID,
		Type:       t,
		NodeID:     nodeID,
		Data:       data,
	})
}
