// Package registry provides the process-wide mapping from (node kind, name)
// to runnable things: tool instances, agent factories, and named workflow
// definitions. The registry is append-mostly; overwriting an entry requires
// force and is never done while runs are executing.
package registry

import (
	"context"
	"sync"

	"github.com/lyzr/flowcore/common/errs"
)

// Tool is the contract every tool implements. Tools are stateless and
// idempotent unless they say otherwise in their metadata.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	OutputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// AgentFactory lazily constructs an agent for a registered package name.
// The returned value is asserted by the agent executor; keeping it untyped
// here avoids a dependency from the registry onto the agent runtime.
type AgentFactory func(cfg map[string]any) (any, error)

// Registry maps names to tools, agent factories, and workflow definitions
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	agents    map[string]AgentFactory
	workflows map[string]any
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		agents:    make(map[string]AgentFactory),
		workflows: make(map[string]any),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, created on first use
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New()
	})
	return defaultReg
}

// RegisterTool adds a tool. Re-registering an existing name fails unless
// force is set.
func (r *Registry) RegisterTool(t Tool, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists && !force {
		return errs.Newf(errs.Conflict, "tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Tool resolves a tool by name
func (r *Registry) Tool(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "tool %q not registered", name)
	}
	return t, nil
}

// ToolNames returns the registered tool names
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// RegisterAgent adds an agent factory under a package name
func (r *Registry) RegisterAgent(name string, factory AgentFactory, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists && !force {
		return errs.Newf(errs.Conflict, "agent %q already registered", name)
	}
	r.agents[name] = factory
	return nil
}

// Agent resolves an agent factory by package name
func (r *Registry) Agent(name string) (AgentFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.agents[name]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "agent %q not registered", name)
	}
	return f, nil
}

// RegisterWorkflow adds a named workflow definition for workflow-ref nodes
func (r *Registry) RegisterWorkflow(name string, def any, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; exists && !force {
		return errs.Newf(errs.Conflict, "workflow %q already registered", name)
	}
	r.workflows[name] = def
	return nil
}

// Workflow resolves a workflow definition by name
func (r *Registry) Workflow(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[name]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "workflow %q not registered", name)
	}
	return def, nil
}
