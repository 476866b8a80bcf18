package exec

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// executeLoop iterates the body nodes over the collection at iterator_path.
// Each iteration publishes {item, index} under the loop node's own id so
// body nodes can map from it. Results aggregate into an ordered list.
func executeLoop(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Loop == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing loop config", cfg.ID)
	}
	lc := cfg.Loop

	value, ok := ec.ResolvePath(lc.IteratorPath)
	if !ok {
		value, ok = inputs[lc.IteratorPath]
	}
	if !ok {
		return nil, nil, errs.Newf(errs.Validation, "node %s: iterator path %q not found", cfg.ID, lc.IteratorPath)
	}
	items, ok := value.([]any)
	if !ok {
		return nil, nil, errs.Newf(errs.Validation, "node %s: iterator path %q is not a list", cfg.ID, lc.IteratorPath)
	}

	if lc.MaxIterations > 0 && len(items) > lc.MaxIterations {
		items = items[:lc.MaxIterations]
	}

	var results []any
	var err error
	if lc.Parallel {
		results, err = loopParallel(ctx, h, cfg, items, ec)
	} else {
		results, err = loopSequential(ctx, h, cfg, items, ec)
	}
	if err != nil {
		return nil, nil, err
	}

	return map[string]any{
		"results": results,
		"count":   len(results),
	}, nil, nil
}

func loopSequential(ctx context.Context, h Handle, cfg *node.Config, items []any, ec *ctxstore.Context) ([]any, error) {
	results := make([]any, 0, len(items))
	for i, item := range items {
		iteration, err := runLoopBody(ctx, h, cfg, item, i, ec)
		if err != nil {
			return nil, err
		}
		results = append(results, iteration)
	}
	return results, nil
}

// loopParallel fans iterations out against forked contexts under a child
// semaphore so a wide collection cannot starve the run
func loopParallel(ctx context.Context, h Handle, cfg *node.Config, items []any, ec *ctxstore.Context) ([]any, error) {
	sem := semaphore.NewWeighted(h.MaxParallel())
	results := make([]any, len(items))
	errsByIdx := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, errs.Wrap(errs.Cancelled, "loop interrupted", err)
		}
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer sem.Release(1)

			fork := ec.Fork()
			iteration, err := runLoopBody(ctx, h, cfg, item, i, fork)
			if err != nil {
				errsByIdx[i] = err
				return
			}
			results[i] = iteration
		}(i, item)
	}
	wg.Wait()

	for i, err := range errsByIdx {
		if err != nil {
			return nil, errs.Wrap(errs.KindOf(err), fmt.Sprintf("iteration %d failed", i), err)
		}
	}
	return results, nil
}

func runLoopBody(ctx context.Context, h Handle, cfg *node.Config, item any, index int, ec *ctxstore.Context) (map[string]any, error) {
	ec.Store().Set(cfg.ID, map[string]any{
		"item":  item,
		"index": index,
	})

	iteration := make(map[string]any, len(cfg.Loop.BodyNodes))
	for _, bodyID := range cfg.Loop.BodyNodes {
		result, err := h.RunNode(ctx, bodyID, ec)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return nil, errs.Newf(errs.Upstream, "body node %s failed: %s", bodyID, result.Error)
		}
		iteration[bodyID] = result.Output
	}
	return iteration, nil
}
