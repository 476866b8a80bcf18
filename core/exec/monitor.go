package exec

import (
	"context"

	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// executeMonitor snapshots the run: status, usage totals, completed counts,
// optionally the graph analytics
func executeMonitor(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	state := h.State()
	tokens, cost := state.Totals()

	output := map[string]any{
		"status":         string(state.Status()),
		"level":          state.Level(),
		"total_tokens":   tokens,
		"total_cost_usd": cost,
		"node_count":     h.Graph().Size(),
	}

	if cfg.Monitor != nil && cfg.Monitor.IncludeMetrics {
		m := h.Graph().Metrics()
		output["metrics"] = map[string]any{
			"critical_path_length":   m.CriticalPathLength,
			"critical_path":          m.CriticalPath,
			"bottlenecks":            m.Bottlenecks,
			"parallel_opportunities": len(m.ParallelOpportunities),
		}
	}

	return output, nil, nil
}
