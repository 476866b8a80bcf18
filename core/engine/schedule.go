package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/event"
	"github.com/lyzr/flowcore/core/node"
)

// execute drives the run level by level and assembles the aggregate result
func (r *run) execute(ctx context.Context) *node.Result {
	start := time.Now()

	r.emit(event.WorkflowStarted, "", map[string]any{
		"node_count": r.graph.Size(),
		"max_level":  r.graph.MaxLevel(),
	})

	if err := r.state.Transition(event.StatusExecuting); err != nil {
		return r.finish(start, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	for level := r.startLevel; level <= r.graph.MaxLevel(); level++ {
		if err := r.checkDepth(level); err != nil {
			runErr = err
			break
		}
		r.state.SetLevel(level)

		failed := r.executeLevel(runCtx, level)

		if err := r.recurse(runCtx, level); err != nil {
			runErr = err
			break
		}
		if err := r.checkTokens(); err != nil {
			runErr = err
			break
		}
		if ctx.Err() != nil {
			runErr = errs.Wrap(errs.Cancelled, "run cancelled", ctx.Err())
			break
		}
		if failed && r.policy == Halt {
			r.log.Info("halting on failure policy", "run_id", r.runID, "level", level)
			break
		}
	}

	return r.finish(start, runErr)
}

// executeLevel dispatches the schedulable nodes of one level under the
// weighted semaphore and reports whether any of them failed
func (r *run) executeLevel(ctx context.Context, level int) bool {
	ids := r.schedulable(level)
	if len(ids) == 0 {
		return false
	}

	var wg sync.WaitGroup
	anyFailed := false
	var mu sync.Mutex

	for _, id := range ids {
		cfg, _ := r.graph.Node(id)

		weight := cfg.Kind.ComplexityWeight()
		if weight > r.maxParallel {
			weight = r.maxParallel
		}
		if err := r.sem.Acquire(ctx, weight); err != nil {
			// Cancellation between siblings; remaining nodes never start
			break
		}

		wg.Add(1)
		go func(cfg *node.Config, weight int64) {
			defer wg.Done()
			defer r.sem.Release(weight)

			result := r.runNode(ctx, cfg, r.ec)
			if !result.Success {
				mu.Lock()
				anyFailed = true
				mu.Unlock()
			}
		}(cfg, weight)
	}
	wg.Wait()

	return anyFailed
}

// schedulable filters a level down to the nodes the policy and branch
// decisions allow to start
func (r *run) schedulable(level int) []string {
	var ids []string
	for _, id := range r.graph.AtLevel(level) {
		if r.controlled[id] {
			continue
		}
		if _, done := r.state.Result(id); done {
			continue
		}
		if !r.active(id) {
			r.state.MarkSkipped(id)
			continue
		}
		if r.policy == ContinuePossible && r.blockedByFailure(id) {
			r.state.MarkSkipped(id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// blockedByFailure reports whether any dependency failed or was skipped
// because of a failure upstream
func (r *run) blockedByFailure(id string) bool {
	for _, dep := range r.graph.Dependencies(id) {
		if r.controlled[dep] {
			continue
		}
		if res, ok := r.state.Result(dep); ok && !res.Success {
			return true
		}
		if r.state.Skipped(dep) && !r.inactiveOnly(dep) {
			return true
		}
	}
	return false
}

// inactiveOnly distinguishes branch-gated skips from failure skips
func (r *run) inactiveOnly(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inactive[id]
}

// recurse re-enters recursive sources while a completed recursive node at
// this level still reports _can_recurse without convergence. Each pass
// counts against the depth ceiling.
func (r *run) recurse(ctx context.Context, level int) error {
	for _, id := range r.graph.AtLevel(level) {
		cfg, _ := r.graph.Node(id)
		if cfg.Kind != node.KindRecursive || cfg.Recursive == nil {
			continue
		}

		for {
			result, ok := r.state.Result(id)
			if !ok || !result.Success || !wantsRecursion(result.Output) {
				break
			}

			pass := r.passes[id] + 1
			if pass > r.depthCeiling && !r.depthOverride(pass) {
				return errs.Newf(errs.DepthExceeded,
					"recursive node %s exceeded depth ceiling %d", id, r.depthCeiling)
			}
			r.passes[id] = pass
			r.ec.Metadata["recursion_pass"] = pass
			r.emit(event.GraphInsights, id, map[string]any{"recursion_pass": pass})

			for _, srcID := range cfg.Recursive.RecursiveSources {
				srcCfg, found := r.graph.Node(srcID)
				if !found {
					return errs.Newf(errs.Validation, "recursive source %q not in graph", srcID)
				}
				if res := r.runNode(ctx, srcCfg, r.ec); !res.Success {
					return nil
				}
			}

			// Refresh the recursive node so convergence is re-evaluated
			// against the overwritten source outputs
			if res := r.runNode(ctx, cfg, r.ec); !res.Success {
				return nil
			}
			if ctx.Err() != nil {
				return errs.Wrap(errs.Cancelled, "run cancelled", ctx.Err())
			}
		}
	}
	return nil
}

func wantsRecursion(output map[string]any) bool {
	can, _ := output["_can_recurse"].(bool)
	converged, _ := output["converged"].(bool)
	return can && !converged
}

func (r *run) checkTokens() error {
	if r.tokenCeiling <= 0 {
		return nil
	}
	total, _ := r.state.Totals()
	if total <= r.tokenCeiling {
		return nil
	}
	if r.engine.tokenGuard != nil && r.engine.tokenGuard(total, r.tokenCeiling) {
		r.log.Warn("token guard overrode ceiling", "run_id", r.runID, "total", total, "ceiling", r.tokenCeiling)
		return nil
	}
	return errs.Newf(errs.TokenBudget, "token usage %d exceeds ceiling %d", total, r.tokenCeiling)
}

func (r *run) checkDepth(level int) error {
	if level <= r.depthCeiling {
		return nil
	}
	if r.depthOverride(level) {
		return nil
	}
	return errs.Newf(errs.DepthExceeded, "level %d exceeds depth ceiling %d", level, r.depthCeiling)
}

func (r *run) depthOverride(level int) bool {
	if r.engine.depthGuard == nil {
		return false
	}
	if r.engine.depthGuard(level, r.depthCeiling) {
		r.log.Warn("depth guard overrode ceiling", "run_id", r.runID, "level", level, "ceiling", r.depthCeiling)
		return true
	}
	return false
}

// finish assembles the workflow-kind result, transitions the state machine,
// and closes the event stream with WorkflowCompleted
func (r *run) finish(start time.Time, runErr error) *node.Result {
	output := make(map[string]any)
	var failures []string

	for level := 0; level <= r.graph.MaxLevel(); level++ {
		for _, id := range r.graph.AtLevel(level) {
			// Controlled nodes report through their loop or parallel
			// controller; a branch loss absorbed by the wait strategy
			// must not fail the run
			if r.controlled[id] {
				continue
			}
			result, ok := r.state.Result(id)
			if !ok {
				continue
			}
			if result.Success {
				output[id] = result.Output
			} else {
				output[id] = map[string]any{
					"success": false,
					"error":   result.Error,
				}
				failures = append(failures, result.Error)
			}
		}
	}

	if runErr != nil {
		failures = append(failures, runErr.Error())
	}

	in, out, cost := r.state.UsageTotals()
	success := len(failures) == 0

	switch {
	case success:
		_ = r.state.Transition(event.StatusCompleted)
	case runErr != nil && errs.Is(runErr, errs.Cancelled):
		_ = r.state.Transition(event.StatusCancelled)
	default:
		_ = r.state.Fail(strings.Join(failures, "\n"))
	}

	errText := strings.Join(failures, "\n")
	r.emit(event.WorkflowCompleted, "", map[string]any{
		"success":        success,
		"error":          errText,
		"total_tokens":   in + out,
		"total_cost_usd": cost,
		"status":         string(r.state.Status()),
	})

	end := time.Now()
	result := &node.Result{
		Success: success,
		Output:  output,
		Error:   errText,
		Usage: &node.Usage{
			TokensIn:  int(in),
			TokensOut: int(out),
			CostUSD:   cost,
		},
		Metadata: node.Metadata{
			NodeID:     r.workflowID,
			Kind:       node.KindWorkflow,
			StartTime:  start,
			EndTime:    end,
			DurationMS: end.Sub(start).Milliseconds(),
		},
	}
	if !success {
		result.Metadata.ErrorType = classifyRunError(runErr)
	}
	return result
}

func classifyRunError(runErr error) node.ErrorType {
	if runErr == nil {
		return node.ErrUpstream
	}
	switch errs.KindOf(runErr) {
	case errs.TokenBudget:
		return node.ErrTokenBudget
	case errs.DepthExceeded:
		return node.ErrDepthExceeded
	case errs.Cancelled:
		return node.ErrCancelled
	case errs.Timeout:
		return node.ErrTimeout
	case errs.Validation:
		return node.ErrValidation
	default:
		return node.ErrRuntime
	}
}
