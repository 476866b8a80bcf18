package exec

import (
	"context"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// executeRecursive reflects its resolved inputs as output, normalising the
// re-entry markers. The engine inspects _can_recurse and converged after
// each level and schedules the recursive_sources for another pass.
func executeRecursive(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Recursive == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing recursive config", cfg.ID)
	}

	output := make(map[string]any, len(inputs)+2)
	for k, v := range inputs {
		output[k] = v
	}

	if _, ok := output["_can_recurse"]; !ok {
		output["_can_recurse"] = false
	}
	if _, ok := output["converged"]; !ok {
		output["converged"] = true
	}

	return output, nil, nil
}
