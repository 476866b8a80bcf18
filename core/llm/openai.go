package llm

import (
	"context"
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lyzr/flowcore/common/errs"
)

// OpenAIProvider implements Provider against the OpenAI chat API
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAI creates a provider from an API key. An empty baseURL uses the
// public endpoint.
func NewOpenAI(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete issues one chat completion. Provider failures map to Upstream so
// the dispatcher's retry loop treats them as transient.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		params, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, "tool schema not serializable", err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.New(errs.Upstream, "provider returned no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Text:      choice.Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Model:     resp.Model,
	}

	if len(choice.Message.ToolCalls) > 0 {
		call := choice.Message.ToolCalls[0]
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, errs.Wrap(errs.Upstream, "tool call arguments not valid JSON", err)
			}
		}
		out.ToolCall = &ToolCall{Name: call.Function.Name, Args: args}
	}

	return out, nil
}
