package exec

import (
	"context"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// executeWorkflow runs a registered blueprint as a nested run. The nested
// result's usage rides back on this node so parent totals include it.
func executeWorkflow(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Workflow == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing workflow config", cfg.ID)
	}
	wc := cfg.Workflow

	overrides := make(map[string]any, len(wc.ConfigOverrides)+len(inputs))
	for k, v := range wc.ConfigOverrides {
		overrides[k] = v
	}
	for k, v := range inputs {
		overrides[k] = v
	}

	result, err := h.RunSubflow(ctx, wc.WorkflowRef, overrides, ec)
	if err != nil {
		return nil, nil, err
	}
	if !result.Success {
		return nil, result.Usage, errs.Newf(errs.Upstream, "sub-workflow %s failed: %s", wc.WorkflowRef, result.Error)
	}

	output := result.Output
	if len(wc.ExposedOutputs) > 0 {
		exposed := make(map[string]any, len(wc.ExposedOutputs))
		for _, key := range wc.ExposedOutputs {
			if v, ok := result.Output[key]; ok {
				exposed[key] = v
			}
		}
		output = exposed
	}

	return output, result.Usage, nil
}
