// Package llm defines the narrow provider contract the runtime uses for
// model calls. Executors and agents depend on the interface only; concrete
// providers are injected by the host.
package llm

import (
	"context"
)

// ToolSpec describes a tool offered to the model
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Request is a single completion call
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	Tools       []ToolSpec
	Extra       map[string]any
}

// Response is the provider's answer. ToolCall is non-nil when the model
// asked for a tool instead of answering.
type Response struct {
	Text      string
	ToolCall  *ToolCall
	TokensIn  int
	TokensOut int
	Model     string
}

// Provider executes completion requests against one model vendor
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
