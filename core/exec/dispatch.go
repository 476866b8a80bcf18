package exec

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/cache"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// Dispatch runs one node end to end: input building, cache lookup, input
// validation, the executor under timeout and retries, output validation,
// and the context write. It always returns a Result; errors surface inside
// it so the engine's failure policy decides continuation.
func (d *Dispatcher) Dispatch(ctx context.Context, h Handle, cfg *node.Config, ec *ctxstore.Context) *node.Result {
	start := time.Now()

	inputs, err := BuildInputs(cfg, ec)
	if err != nil {
		return d.failed(cfg, start, 0, err)
	}

	var fingerprint string
	if cfg.UseCache && d.cache != nil {
		fingerprint, err = cache.Fingerprint(cfg, inputs)
		if err != nil {
			return d.failed(cfg, start, 0, errs.Wrap(errs.Internal, "fingerprint failed", err))
		}
		if cached, hit, cacheErr := d.cache.Get(ctx, fingerprint); cacheErr == nil && hit {
			d.log.Debug("cache hit", "node_id", cfg.ID, "fingerprint", fingerprint)
			replay := *cached
			replay.CacheHit = true
			// The tokens were spent by the run that populated the cache;
			// charging them again would double-count against the ceiling
			replay.Usage = nil
			if replay.Success {
				if werr := ec.SetOutput(cfg.ID, replay.Output, uuid.NewString()); werr != nil {
					return d.failed(cfg, start, 0, werr)
				}
			}
			return &replay
		}
	}

	if err := validateValues(cfg.ID, "input", cfg.InputSchema, inputs); err != nil {
		return d.failed(cfg, start, 0, err)
	}

	executor, err := d.executor(cfg.Kind)
	if err != nil {
		return d.failed(cfg, start, 0, err)
	}

	output, usage, retriesUsed, err := d.invoke(ctx, h, executor, cfg, inputs, ec)
	if err != nil {
		return d.failed(cfg, start, retriesUsed, err)
	}

	if err := validateValues(cfg.ID, "output", cfg.OutputSchema, output); err != nil {
		return d.failed(cfg, start, retriesUsed, err)
	}

	if err := ec.SetOutput(cfg.ID, output, uuid.NewString()); err != nil {
		return d.failed(cfg, start, retriesUsed, err)
	}

	end := time.Now()
	result := &node.Result{
		Success:     true,
		Output:      output,
		Usage:       usage,
		ContextUsed: inputs,
		Metadata: node.Metadata{
			NodeID:      cfg.ID,
			Kind:        cfg.Kind,
			StartTime:   start,
			EndTime:     end,
			DurationMS:  end.Sub(start).Milliseconds(),
			RetriesUsed: retriesUsed,
		},
	}

	if cfg.UseCache && d.cache != nil && fingerprint != "" {
		if cacheErr := d.cache.Set(ctx, fingerprint, result, d.cacheTTL); cacheErr != nil {
			d.log.Warn("cache store failed", "node_id", cfg.ID, "error", cacheErr)
		}
	}

	return result
}

// invoke runs the executor under the node timeout, retrying retriable
// failures with exponential backoff: delay = backoff * 2^(attempt-1).
func (d *Dispatcher) invoke(ctx context.Context, h Handle, executor Executor, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, int, error) {
	var lastErr error

	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(cfg.BackoffSeconds*math.Pow(2, float64(attempt-1))*1000) * time.Millisecond
			if delay > 0 {
				select {
				case <-ctx.Done():
					return nil, nil, attempt, errs.Wrap(errs.Cancelled, "cancelled during backoff", ctx.Err())
				case <-time.After(delay):
				}
			}
			d.log.Info("retrying node", "node_id", cfg.ID, "attempt", attempt, "error", lastErr)
		}

		output, usage, err := d.attempt(ctx, h, executor, cfg, inputs, ec)
		if err == nil {
			return output, usage, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, nil, attempt, errs.Wrap(errs.Cancelled, "run cancelled", ctx.Err())
		}
		if !errs.Retriable(err) {
			return nil, nil, attempt, err
		}
	}

	return nil, nil, cfg.Retries, errs.Wrap(errs.Upstream, "retries exhausted", lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, h Handle, executor Executor, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if cfg.TimeoutSeconds > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	output, usage, err := executor(attemptCtx, h, cfg, inputs, ec)
	if err != nil {
		// A deadline on the attempt context, not the parent, is a node
		// timeout and stays retriable
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, nil, errs.Wrap(errs.Timeout, "node timed out", err)
		}
		return nil, nil, err
	}
	return output, usage, nil
}

func (d *Dispatcher) failed(cfg *node.Config, start time.Time, retriesUsed int, err error) *node.Result {
	end := time.Now()
	d.log.Error("node failed", "node_id", cfg.ID, "kind", cfg.Kind, "error", err)

	return &node.Result{
		Success: false,
		Error:   err.Error(),
		Metadata: node.Metadata{
			NodeID:      cfg.ID,
			Kind:        cfg.Kind,
			StartTime:   start,
			EndTime:     end,
			DurationMS:  end.Sub(start).Milliseconds(),
			RetriesUsed: retriesUsed,
			ErrorType:   classify(err),
		},
	}
}

// classify maps the error taxonomy onto result error tags
func classify(err error) node.ErrorType {
	switch errs.KindOf(err) {
	case errs.Validation, errs.NotFound:
		return node.ErrValidation
	case errs.Timeout:
		return node.ErrTimeout
	case errs.TokenBudget:
		return node.ErrTokenBudget
	case errs.DepthExceeded:
		return node.ErrDepthExceeded
	case errs.Cancelled:
		return node.ErrCancelled
	case errs.Upstream:
		return node.ErrUpstream
	default:
		return node.ErrRuntime
	}
}
