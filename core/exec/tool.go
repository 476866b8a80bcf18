package exec

import (
	"context"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// executeTool resolves the tool through the registry and invokes it with
// the static args merged under the resolved inputs. Mapped inputs win.
func executeTool(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Tool == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing tool config", cfg.ID)
	}

	tool, err := h.Registry().Tool(cfg.Tool.ToolName)
	if err != nil {
		return nil, nil, err
	}

	args := make(map[string]any, len(cfg.Tool.ToolArgs)+len(inputs))
	for k, v := range cfg.Tool.ToolArgs {
		args[k] = v
	}
	for k, v := range inputs {
		args[k] = v
	}

	output, err := tool.Execute(ctx, args)
	if err != nil {
		if errs.KindOf(err) == errs.Internal {
			return nil, nil, errs.Wrap(errs.Upstream, "tool execution failed", err)
		}
		return nil, nil, err
	}
	return output, nil, nil
}
