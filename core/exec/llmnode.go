package exec

import (
	"context"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/llm"
	"github.com/lyzr/flowcore/core/node"
)

// executeLLM makes a single stateless provider call with the interpolated
// prompt template
func executeLLM(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.LLM == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing llm config", cfg.ID)
	}
	provider := h.Provider()
	if provider == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: no llm provider configured", cfg.ID)
	}

	prompt := Interpolate(cfg.LLM.PromptTemplate, inputs, ec)

	resp, err := provider.Complete(ctx, llm.Request{
		Model:       cfg.LLM.Model,
		Prompt:      prompt,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Extra:       cfg.LLM.Extra,
	})
	if err != nil {
		return nil, nil, err
	}

	output := map[string]any{
		"text":  resp.Text,
		"model": resp.Model,
	}
	usage := &node.Usage{
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		Model:     resp.Model,
		Provider:  provider.Name(),
	}
	return output, usage, nil
}
