// Package agent implements the stateful agent runtime: a bounded loop that
// interleaves memory recall, LLM reasoning, and tool invocation.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/llm"
	"github.com/lyzr/flowcore/core/memory"
	"github.com/lyzr/flowcore/core/node"
	"github.com/lyzr/flowcore/core/registry"
)

// stopToken concludes the loop when the model prefixes its answer with it
const stopToken = "FINAL:"

// defaultMaxIterations bounds agents that do not declare a budget
const defaultMaxIterations = 5

// Logger is the narrow logging contract the runtime needs
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Opts configures an agent
type Opts struct {
	Name          string
	SystemPrompt  string
	Model         string
	Tools         []string
	MaxIterations int

	Provider llm.Provider
	Registry *registry.Registry
	Memory   *memory.Memory
	Logger   Logger
}

// Agent runs the reason/act loop for one configured agent
type Agent struct {
	name          string
	systemPrompt  string
	model         string
	tools         []string
	maxIterations int

	provider llm.Provider
	registry *registry.Registry
	memory   *memory.Memory
	log      Logger
}

// New creates an agent. Provider and Registry are required; Memory is
// optional and disables recall when absent.
func New(opts Opts) (*Agent, error) {
	if opts.Provider == nil {
		return nil, errs.New(errs.Validation, "agent requires an llm provider")
	}
	if opts.Registry == nil {
		return nil, errs.New(errs.Validation, "agent requires a registry")
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	return &Agent{
		name:          opts.Name,
		systemPrompt:  opts.SystemPrompt,
		model:         opts.Model,
		tools:         opts.Tools,
		maxIterations: maxIter,
		provider:      opts.Provider,
		registry:      opts.Registry,
		memory:        opts.Memory,
		log:           opts.Logger,
	}, nil
}

// Step records one iteration for bookkeeping
type Step struct {
	Iteration int            `json:"iteration"`
	Thought   string         `json:"thought,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	ToolOut   map[string]any `json:"tool_output,omitempty"`
	Usage     node.Usage     `json:"usage"`
}

// Outcome is the final product of an agent run
type Outcome struct {
	Answer     string     `json:"answer"`
	Iterations int        `json:"iterations"`
	Stopped    string     `json:"stopped"` // stop_token | no_tool_call | exhausted
	Steps      []Step     `json:"steps,omitempty"`
	Usage      node.Usage `json:"usage"`
}

// Run executes the loop: recall, reason, act, remember, decide. Terminates
// on the stop token, an answer without a tool call, or budget exhaustion.
func (a *Agent) Run(ctx context.Context, task string) (*Outcome, error) {
	outcome := &Outcome{}
	transcript := make([]string, 0, a.maxIterations)

	recalled := a.recall(ctx, task)

	for i := 1; i <= a.maxIterations; i++ {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Cancelled, "agent run cancelled", ctx.Err())
		}

		resp, err := a.provider.Complete(ctx, llm.Request{
			Model:       a.model,
			System:      a.systemPrompt,
			Prompt:      a.buildPrompt(task, recalled, transcript),
			Tools:       a.toolSpecs(),
			Temperature: 0,
		})
		if err != nil {
			return nil, err
		}

		step := Step{
			Iteration: i,
			Thought:   resp.Text,
			Usage: node.Usage{
				TokensIn:  resp.TokensIn,
				TokensOut: resp.TokensOut,
				Model:     resp.Model,
				Provider:  a.provider.Name(),
			},
		}
		outcome.Usage.TokensIn += resp.TokensIn
		outcome.Usage.TokensOut += resp.TokensOut
		outcome.Usage.Model = resp.Model
		outcome.Usage.Provider = a.provider.Name()
		outcome.Iterations = i

		if resp.ToolCall == nil {
			outcome.Steps = append(outcome.Steps, step)
			outcome.Answer = strings.TrimSpace(strings.TrimPrefix(resp.Text, stopToken))
			if strings.HasPrefix(resp.Text, stopToken) {
				outcome.Stopped = "stop_token"
			} else {
				outcome.Stopped = "no_tool_call"
			}
			a.remember(ctx, task, outcome.Answer)
			return outcome, nil
		}

		toolOut, err := a.invokeTool(ctx, resp.ToolCall)
		if err != nil {
			return nil, err
		}
		step.Tool = resp.ToolCall.Name
		step.ToolArgs = resp.ToolCall.Args
		step.ToolOut = toolOut
		outcome.Steps = append(outcome.Steps, step)

		transcript = append(transcript,
			fmt.Sprintf("iteration %d: called %s(%v) -> %v", i, resp.ToolCall.Name, resp.ToolCall.Args, toolOut))
		a.remember(ctx, fmt.Sprintf("%s/tool/%d", task, i), transcript[len(transcript)-1])
	}

	outcome.Stopped = "exhausted"
	if len(outcome.Steps) > 0 {
		outcome.Answer = outcome.Steps[len(outcome.Steps)-1].Thought
	}
	return outcome, nil
}

func (a *Agent) buildPrompt(task, recalled string, transcript []string) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task)
	b.WriteString("\n")
	if recalled != "" {
		b.WriteString("\nRelevant memory:\n")
		b.WriteString(recalled)
		b.WriteString("\n")
	}
	if len(transcript) > 0 {
		b.WriteString("\nPrevious steps:\n")
		b.WriteString(strings.Join(transcript, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\nUse a tool if needed. When done, answer with ")
	b.WriteString(stopToken)
	b.WriteString(" followed by the final answer.")
	return b.String()
}

func (a *Agent) toolSpecs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(a.tools))
	for _, name := range a.tools {
		tool, err := a.registry.Tool(name)
		if err != nil {
			if a.log != nil {
				a.log.Warn("agent tool not registered", "agent", a.name, "tool", name)
			}
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return specs
}

func (a *Agent) invokeTool(ctx context.Context, call *llm.ToolCall) (map[string]any, error) {
	allowed := false
	for _, name := range a.tools {
		if name == call.Name {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errs.Newf(errs.Validation, "agent %s may not call tool %q", a.name, call.Name)
	}

	tool, err := a.registry.Tool(call.Name)
	if err != nil {
		return nil, err
	}
	return tool.Execute(ctx, call.Args)
}

func (a *Agent) recall(ctx context.Context, task string) string {
	if a.memory == nil {
		return ""
	}
	entries, err := a.memory.Working.Search(ctx, task, 3, nil)
	if err != nil || len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Content)
	}
	return strings.Join(lines, "\n")
}

func (a *Agent) remember(ctx context.Context, key, content string) {
	if a.memory == nil || content == "" {
		return
	}
	if _, err := a.memory.Working.Store(ctx, key, content, map[string]any{"agent": a.name}); err != nil && a.log != nil {
		a.log.Warn("working memory write failed", "agent", a.name, "error", err)
	}
}
