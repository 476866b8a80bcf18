package exec

import (
	"context"
	"strings"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

type branchOutcome struct {
	index   int
	outputs map[string]any
	fork    *ctxstore.Context
	err     error
}

// executeParallel fans the branches out concurrently, each against a forked
// context. wait_strategy governs completion: all waits for every branch,
// any completes on the first success and cancels the rest, race completes
// on the first finish of either outcome and cancels the rest.
func executeParallel(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Parallel == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing parallel config", cfg.ID)
	}
	pc := cfg.Parallel
	if len(pc.Branches) == 0 {
		return map[string]any{"branches": []any{}}, nil, nil
	}

	strategy := pc.WaitStrategy
	if strategy == "" {
		strategy = node.WaitAll
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan branchOutcome, len(pc.Branches))
	for i, branch := range pc.Branches {
		go func(index int, ids []string) {
			fork := ec.Fork()
			outputs := make(map[string]any, len(ids))
			for _, id := range ids {
				result, err := h.RunNode(branchCtx, id, fork)
				if err != nil {
					outcomes <- branchOutcome{index: index, err: err}
					return
				}
				if !result.Success {
					outcomes <- branchOutcome{index: index,
						err: errs.Newf(errs.Upstream, "branch node %s failed: %s", id, result.Error)}
					return
				}
				outputs[id] = result.Output
			}
			outcomes <- branchOutcome{index: index, outputs: outputs, fork: fork}
		}(i, branch)
	}

	switch strategy {
	case node.WaitAll:
		return waitAll(ec, outcomes, len(pc.Branches))
	case node.WaitAny:
		return waitAny(ec, cancel, outcomes, len(pc.Branches))
	case node.WaitRace:
		return waitRace(ec, cancel, outcomes, len(pc.Branches))
	default:
		return nil, nil, errs.Newf(errs.Validation, "node %s: unknown wait strategy %q", cfg.ID, strategy)
	}
}

func waitAll(ec *ctxstore.Context, outcomes <-chan branchOutcome, n int) (map[string]any, *node.Usage, error) {
	collected := make([]branchOutcome, n)
	var failures []string
	for i := 0; i < n; i++ {
		o := <-outcomes
		collected[o.index] = o
		if o.err != nil {
			failures = append(failures, o.err.Error())
		}
	}
	if len(failures) > 0 {
		return nil, nil, errs.Newf(errs.Upstream, "%d branch(es) failed: %s", len(failures), strings.Join(failures, "; "))
	}

	branches := make([]any, n)
	for i, o := range collected {
		ec.Merge(o.fork)
		branches[i] = o.outputs
	}
	return map[string]any{"branches": branches}, nil, nil
}

func waitAny(ec *ctxstore.Context, cancel context.CancelFunc, outcomes <-chan branchOutcome, n int) (map[string]any, *node.Usage, error) {
	var failures []string
	for i := 0; i < n; i++ {
		o := <-outcomes
		if o.err != nil {
			failures = append(failures, o.err.Error())
			continue
		}
		cancel()
		drain(outcomes, n-i-1)
		ec.Merge(o.fork)
		return map[string]any{
			"winner":  o.index,
			"outputs": o.outputs,
		}, nil, nil
	}
	return nil, nil, errs.Newf(errs.Upstream, "all branches failed: %s", strings.Join(failures, "; "))
}

// waitRace settles on the first completion regardless of its outcome
func waitRace(ec *ctxstore.Context, cancel context.CancelFunc, outcomes <-chan branchOutcome, n int) (map[string]any, *node.Usage, error) {
	o := <-outcomes
	cancel()
	drain(outcomes, n-1)
	if o.err != nil {
		return nil, nil, o.err
	}
	ec.Merge(o.fork)
	return map[string]any{
		"winner":  o.index,
		"outputs": o.outputs,
	}, nil, nil
}

// drain waits out the cancelled losers so no branch writes state or emits
// events after the node settles. The channel is buffered to the branch
// count, so every goroutine can always deliver its outcome.
func drain(outcomes <-chan branchOutcome, remaining int) {
	for i := 0; i < remaining; i++ {
		<-outcomes
	}
}
