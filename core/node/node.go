// Package node defines the node configuration model: a tagged union over the
// supported node kinds with a common base, typed IO schemas, and the
// execution result shape shared by every executor.
package node

// Kind identifies the runtime behavior of a node
type Kind string

const (
	KindTool      Kind = "tool"
	KindLLM       Kind = "llm"
	KindAgent     Kind = "agent"
	KindCondition Kind = "condition"
	KindLoop      Kind = "loop"
	KindParallel  Kind = "parallel"
	KindCode      Kind = "code"
	KindWorkflow  Kind = "workflow"
	KindRecursive Kind = "recursive"
	KindHuman     Kind = "human"
	KindMonitor   Kind = "monitor"
	KindSwarm     Kind = "swarm"
)

// Kinds lists every supported node kind
var Kinds = []Kind{
	KindTool, KindLLM, KindAgent, KindCondition, KindLoop, KindParallel,
	KindCode, KindWorkflow, KindRecursive, KindHuman, KindMonitor, KindSwarm,
}

// Mapping wires one input key of a node to a dotted path inside an upstream
// node's output
type Mapping struct {
	SourceNodeID string `json:"source_node_id" validate:"required"`
	SourcePath   string `json:"source_output_path"`
}

// Config is the tagged union of node configurations. Exactly one of the
// kind-specific blocks is expected to be set, matching Kind.
type Config struct {
	ID           string   `json:"id" validate:"required"`
	Kind         Kind     `json:"kind" validate:"required"`
	Name         string   `json:"name,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	// Level is derived by the dependency graph, never authored
	Level int `json:"level,omitempty"`

	InputMappings  map[string]Mapping `json:"input_mappings,omitempty"`
	OutputMappings map[string]string  `json:"output_mappings,omitempty"`

	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	UseCache       bool    `json:"use_cache,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" validate:"gte=0"`
	Retries        int     `json:"retries,omitempty" validate:"gte=0"`
	BackoffSeconds float64 `json:"backoff_seconds,omitempty" validate:"gte=0"`

	Tool      *ToolConfig      `json:"tool,omitempty"`
	LLM       *LLMConfig       `json:"llm,omitempty"`
	Agent     *AgentConfig     `json:"agent,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Loop      *LoopConfig      `json:"loop,omitempty"`
	Parallel  *ParallelConfig  `json:"parallel,omitempty"`
	Code      *CodeConfig      `json:"code,omitempty"`
	Workflow  *WorkflowConfig  `json:"workflow,omitempty"`
	Recursive *RecursiveConfig `json:"recursive,omitempty"`
	Human     *HumanConfig     `json:"human,omitempty"`
	Monitor   *MonitorConfig   `json:"monitor,omitempty"`
	Swarm     *SwarmConfig     `json:"swarm,omitempty"`
}

// ToolConfig configures a deterministic tool node. IO schemas are populated
// from the tool registry at blueprint ingestion when the author omits them.
type ToolConfig struct {
	ToolName string         `json:"tool_name" validate:"required"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
}

// LLMConfig configures a single stateless LLM call
type LLMConfig struct {
	Model          string         `json:"model" validate:"required"`
	PromptTemplate string         `json:"prompt_template"`
	Temperature    float64        `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	Extra          map[string]any `json:"llm_config,omitempty"`
}

// AgentConfig configures a stateful agent node
type AgentConfig struct {
	Package       string         `json:"package" validate:"required"`
	AgentConfig   map[string]any `json:"agent_config,omitempty"`
	Tools         []string       `json:"tools,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	MemoryConfig  map[string]any `json:"memory_config,omitempty"`
}

// ConditionConfig configures a branch-gating boolean expression
type ConditionConfig struct {
	Expression  string   `json:"expression" validate:"required"`
	TrueBranch  []string `json:"true_branch,omitempty"`
	FalseBranch []string `json:"false_branch,omitempty"`
}

// LoopConfig configures iteration over a context collection
type LoopConfig struct {
	IteratorPath  string   `json:"iterator_path" validate:"required"`
	BodyNodes     []string `json:"body_nodes,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	Parallel      bool     `json:"parallel,omitempty"`
}

// WaitStrategy governs completion of a parallel node
type WaitStrategy string

const (
	WaitAll  WaitStrategy = "all"
	WaitAny  WaitStrategy = "any"
	WaitRace WaitStrategy = "race"
)

// ParallelConfig configures explicit parallel branches
type ParallelConfig struct {
	Branches     [][]string   `json:"branches"`
	WaitStrategy WaitStrategy `json:"wait_strategy,omitempty"`
}

// CodeConfig configures a sandboxed user-code node
type CodeConfig struct {
	Language string   `json:"language" validate:"required"`
	Source   string   `json:"source" validate:"required"`
	Imports  []string `json:"imports,omitempty"`
}

// WorkflowConfig configures a nested sub-workflow node
type WorkflowConfig struct {
	WorkflowRef     string         `json:"workflow_ref" validate:"required"`
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`
	ExposedOutputs  []string       `json:"exposed_outputs,omitempty"`
}

// RecursiveConfig configures controlled re-entry into earlier nodes
type RecursiveConfig struct {
	RecursiveSources []string `json:"recursive_sources" validate:"required,min=1"`
}

// HumanConfig configures a human-in-the-loop decision node
type HumanConfig struct {
	Prompt         string   `json:"prompt,omitempty"`
	Choices        []string `json:"choices,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
}

// MonitorConfig configures a graph-insights snapshot node
type MonitorConfig struct {
	IncludeMetrics bool `json:"include_metrics,omitempty"`
}

// SwarmConfig fans the same task out to several agents
type SwarmConfig struct {
	Agents        []AgentConfig `json:"agents" validate:"min=1"`
	MergeStrategy string        `json:"merge_strategy,omitempty"` // first_success | vote
}

// hasKindConfig reports whether the kind-specific block matching Kind is set
func (c *Config) hasKindConfig() bool {
	switch c.Kind {
	case KindTool:
		return c.Tool != nil
	case KindLLM:
		return c.LLM != nil
	case KindAgent:
		return c.Agent != nil
	case KindCondition:
		return c.Condition != nil
	case KindLoop:
		return c.Loop != nil
	case KindParallel:
		return c.Parallel != nil
	case KindCode:
		return c.Code != nil
	case KindWorkflow:
		return c.Workflow != nil
	case KindRecursive:
		return c.Recursive != nil
	case KindHuman:
		return c.Human != nil
	case KindMonitor:
		return c.Monitor != nil
	case KindSwarm:
		return c.Swarm != nil
	default:
		return false
	}
}

// ComplexityWeight estimates how much of the engine's parallelism budget a
// node of this kind claims on the weighted semaphore.
func (k Kind) ComplexityWeight() int64 {
	switch k {
	case KindAgent, KindSwarm:
		return 4
	case KindLLM, KindWorkflow, KindRecursive:
		return 2
	case KindLoop, KindParallel, KindCode:
		return 2
	default:
		return 1
	}
}
