package agent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/agent"
	"github.com/lyzr/flowcore/core/llm"
	"github.com/lyzr/flowcore/core/memory"
	"github.com/lyzr/flowcore/core/registry"
)

// scriptedProvider replays canned responses in order
type scriptedProvider struct {
	responses []*llm.Response
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &llm.Response{Text: "out of script"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

type lookupTool struct {
	calls int
}

func (t *lookupTool) Name() string                   { return "lookup" }
func (t *lookupTool) Description() string            { return "looks things up" }
func (t *lookupTool) InputSchema() map[string]any    { return map[string]any{"query": "string"} }
func (t *lookupTool) OutputSchema() map[string]any   { return map[string]any{"answer": "string"} }
func (t *lookupTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	t.calls++
	return map[string]any{"answer": "42"}, nil
}

func newTestRegistry(t *testing.T, tool registry.Tool) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterTool(tool, false))
	return reg
}

func TestAgentStopsOnStopToken(t *testing.T) {
	tool := &lookupTool{}
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCall: &llm.ToolCall{Name: "lookup", Args: map[string]any{"query": "q"}}, TokensIn: 10, TokensOut: 5},
		{Text: "FINAL: the answer is 42", TokensIn: 20, TokensOut: 8},
	}}

	a, err := agent.New(agent.Opts{
		Name:     "researcher",
		Model:    "test-model",
		Tools:    []string{"lookup"},
		Provider: provider,
		Registry: newTestRegistry(t, tool),
	})
	require.NoError(t, err)

	outcome, err := a.Run(context.Background(), "find the answer")
	require.NoError(t, err)

	assert.Equal(t, "stop_token", outcome.Stopped)
	assert.Equal(t, "the answer is 42", outcome.Answer)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, 1, tool.calls)
	assert.Equal(t, 30, outcome.Usage.TokensIn)
	assert.Equal(t, 13, outcome.Usage.TokensOut)

	// The tool result feeds back into the next prompt
	require.Len(t, provider.requests, 2)
	assert.Contains(t, provider.requests[1].Prompt, "lookup")
}

func TestAgentAnswerWithoutStopToken(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{Text: "plain answer"},
	}}

	a, err := agent.New(agent.Opts{
		Provider: provider,
		Registry: registry.New(),
	})
	require.NoError(t, err)

	outcome, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, "no_tool_call", outcome.Stopped)
	assert.Equal(t, "plain answer", outcome.Answer)
}

func TestAgentExhaustsIterationBudget(t *testing.T) {
	tool := &lookupTool{}
	call := &llm.ToolCall{Name: "lookup", Args: map[string]any{"query": "again"}}
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCall: call}, {ToolCall: call}, {ToolCall: call}, {ToolCall: call},
	}}

	a, err := agent.New(agent.Opts{
		Tools:         []string{"lookup"},
		MaxIterations: 3,
		Provider:      provider,
		Registry:      newTestRegistry(t, tool),
	})
	require.NoError(t, err)

	outcome, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, "exhausted", outcome.Stopped)
	assert.Equal(t, 3, outcome.Iterations)
	assert.Equal(t, 3, tool.calls)
}

func TestAgentRejectsToolOutsideAllowList(t *testing.T) {
	tool := &lookupTool{}
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCall: &llm.ToolCall{Name: "lookup"}},
	}}

	// Tool is registered but not granted to this agent
	a, err := agent.New(agent.Opts{
		Name:     "restricted",
		Tools:    nil,
		Provider: provider,
		Registry: newTestRegistry(t, tool),
	})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "task")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation))
	assert.Zero(t, tool.calls)
}

func TestAgentRequiresProviderAndRegistry(t *testing.T) {
	_, err := agent.New(agent.Opts{Registry: registry.New()})
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = agent.New(agent.Opts{Provider: &scriptedProvider{}})
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestAgentRecallsFromWorkingMemory(t *testing.T) {
	ctx := context.Background()
	mem, err := memory.New(memory.Config{}, memory.NewMemBackend(0, 0))
	require.NoError(t, err)
	_, err = mem.Working.Store(ctx, "note", "deploys to prod need approval", nil)
	require.NoError(t, err)

	provider := &scriptedProvider{responses: []*llm.Response{
		{Text: "FINAL: done"},
	}}

	a, err := agent.New(agent.Opts{
		Provider: provider,
		Registry: registry.New(),
		Memory:   mem,
	})
	require.NoError(t, err)

	_, err = a.Run(ctx, "deploys")
	require.NoError(t, err)

	require.Len(t, provider.requests, 1)
	assert.Contains(t, provider.requests[0].Prompt, "deploys to prod need approval")
}
