package node

import (
	"time"
)

// ErrorType tags the failure class of a node execution
type ErrorType string

const (
	ErrValidation    ErrorType = "validation"
	ErrRuntime       ErrorType = "runtime"
	ErrTimeout       ErrorType = "timeout"
	ErrDepthExceeded ErrorType = "depth_exceeded"
	ErrTokenBudget   ErrorType = "token_budget"
	ErrCancelled     ErrorType = "cancelled"
	ErrUpstream      ErrorType = "upstream"
)

// Usage accounts for provider tokens and cost attributed to one execution
type Usage struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	Model     string  `json:"model,omitempty"`
	Provider  string  `json:"provider,omitempty"`
}

// Total returns combined token usage
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.TokensIn + u.TokensOut
}

// Metadata records timing and bookkeeping for one execution
type Metadata struct {
	NodeID      string    `json:"node_id"`
	Kind        Kind      `json:"kind"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	DurationMS  int64     `json:"duration_ms"`
	RetriesUsed int       `json:"retries_used"`
	ErrorType   ErrorType `json:"error_type,omitempty"`
}

// Result is the outcome of executing a single node
type Result struct {
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    Metadata       `json:"metadata"`
	Usage       *Usage         `json:"usage,omitempty"`
	ContextUsed map[string]any `json:"context_used,omitempty"`
	CacheHit    bool           `json:"cache_hit,omitempty"`
}

// Failed builds a failure result for a node
func Failed(cfg *Config, et ErrorType, msg string) *Result {
	now := time.Now()
	return &Result{
		Success: false,
		Error:   msg,
		Metadata: Metadata{
			NodeID:    cfg.ID,
			Kind:      cfg.Kind,
			StartTime: now,
			EndTime:   now,
			ErrorType: et,
		},
	}
}

// Succeeded builds a success result with the given output
func Succeeded(cfg *Config, output map[string]any) *Result {
	now := time.Now()
	return &Result{
		Success: true,
		Output:  output,
		Metadata: Metadata{
			NodeID:    cfg.ID,
			Kind:      cfg.Kind,
			StartTime: now,
			EndTime:   now,
		},
	}
}
