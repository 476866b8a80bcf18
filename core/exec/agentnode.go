package exec

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/agent"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/memory"
	"github.com/lyzr/flowcore/core/node"
)

// Runner is what the agent executor needs from a constructed agent. The
// registry's factories may return anything satisfying it.
type Runner interface {
	Run(ctx context.Context, task string) (*agent.Outcome, error)
}

// executeAgent builds the agent (registry factory first, config fallback)
// and runs its loop on the task resolved from the inputs
func executeAgent(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Agent == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing agent config", cfg.ID)
	}

	runner, err := buildRunner(h, cfg.Agent, cfg.Name)
	if err != nil {
		return nil, nil, err
	}

	task, _ := inputs["task"].(string)
	if task == "" {
		if prompt, ok := cfg.Agent.AgentConfig["task"].(string); ok {
			task = Interpolate(prompt, inputs, ec)
		}
	}
	if task == "" {
		return nil, nil, errs.Newf(errs.Validation, "node %s: no task for agent", cfg.ID)
	}

	outcome, err := runner.Run(ctx, task)
	if err != nil {
		return nil, nil, err
	}

	return outcomeToOutput(outcome), &outcome.Usage, nil
}

// buildRunner resolves the agent package through the registry; unregistered
// packages fall back to the generic loop built from the node config
func buildRunner(h Handle, ac *node.AgentConfig, name string) (Runner, error) {
	if factory, err := h.Registry().Agent(ac.Package); err == nil {
		built, err := factory(ac.AgentConfig)
		if err != nil {
			return nil, err
		}
		runner, ok := built.(Runner)
		if !ok {
			return nil, errs.Newf(errs.Validation, "agent package %q does not produce a runner", ac.Package)
		}
		return runner, nil
	}

	mem, err := agentMemory(ac.MemoryConfig)
	if err != nil {
		return nil, err
	}

	model, _ := ac.AgentConfig["model"].(string)
	system, _ := ac.AgentConfig["system_prompt"].(string)
	if name == "" {
		name = ac.Package
	}

	return agent.New(agent.Opts{
		Name:          name,
		SystemPrompt:  system,
		Model:         model,
		Tools:         ac.Tools,
		MaxIterations: ac.MaxIterations,
		Provider:      h.Provider(),
		Registry:      h.Registry(),
		Memory:        mem,
	})
}

// agentMemory builds the per-agent memory facade from the node's
// memory_config. Absent config means no memory.
func agentMemory(raw map[string]any) (*memory.Memory, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "memory_config not serializable", err)
	}
	var spec struct {
		MaxEntries         int      `json:"max_entries"`
		TTLSeconds         float64  `json:"ttl_seconds"`
		EnableVectorSearch bool     `json:"enable_vector_search"`
		EmbeddingDim       int      `json:"embedding_dim"`
		Guarantees         []string `json:"guarantees"`
	}
	if err := json.Unmarshal(encoded, &spec); err != nil {
		return nil, errs.Wrap(errs.Validation, "invalid memory_config", err)
	}

	cfg := memory.Config{
		Backend:            "memory",
		MaxEntries:         spec.MaxEntries,
		TTL:                time.Duration(spec.TTLSeconds * float64(time.Second)),
		EnableVectorSearch: spec.EnableVectorSearch,
		EmbeddingDim:       spec.EmbeddingDim,
	}
	for _, g := range spec.Guarantees {
		cfg.Guarantees = append(cfg.Guarantees, memory.Guarantee(g))
	}

	return memory.New(cfg, memory.NewMemBackend(cfg.MaxEntries, cfg.TTL))
}

func outcomeToOutput(o *agent.Outcome) map[string]any {
	steps := make([]any, 0, len(o.Steps))
	for _, s := range o.Steps {
		steps = append(steps, map[string]any{
			"iteration": s.Iteration,
			"tool":      s.Tool,
			"thought":   s.Thought,
		})
	}
	return map[string]any{
		"answer":     o.Answer,
		"iterations": o.Iterations,
		"stopped":    o.Stopped,
		"steps":      steps,
	}
}
