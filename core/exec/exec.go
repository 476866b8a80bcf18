// Package exec implements executor dispatch: the per-kind executors behind
// the canonical contract, input building from mappings, type-only IO
// validation, fingerprint caching, timeouts, and the retry loop.
package exec

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/cache"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/event"
	"github.com/lyzr/flowcore/core/graph"
	"github.com/lyzr/flowcore/core/llm"
	"github.com/lyzr/flowcore/core/node"
	"github.com/lyzr/flowcore/core/registry"
)

// Logger is the narrow logging contract executors need
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Handle is the engine-side surface executors call back into. The engine
// implements it; executors never import the engine.
type Handle interface {
	RunID() string
	WorkflowID() string
	Graph() *graph.Graph
	State() *event.State
	Registry() *registry.Registry
	Provider() llm.Provider
	Evaluator() *Evaluator
	Decisions() *Decisions
	MaxParallel() int64
	Depth() int

	// RunNode dispatches one node against the given context, recording its
	// result and events. Controllers (loop, parallel, recursive) drive
	// their subordinate nodes through this.
	RunNode(ctx context.Context, id string, ec *ctxstore.Context) (*node.Result, error)

	// RunSubflow executes a registered workflow definition as a nested run
	RunSubflow(ctx context.Context, ref string, overrides map[string]any, ec *ctxstore.Context) (*node.Result, error)
}

// Executor runs one node kind. It receives resolved inputs and returns the
// raw output plus any provider usage; the dispatcher handles caching,
// validation, retries, and result assembly.
type Executor func(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error)

// Opts configures a Dispatcher
type Opts struct {
	Logger   Logger
	Cache    cache.Cache
	CacheTTL time.Duration
}

// Dispatcher routes node configs to kind executors
type Dispatcher struct {
	log      Logger
	cache    cache.Cache
	cacheTTL time.Duration

	mu        sync.RWMutex
	executors map[node.Kind]Executor
}

// New creates a dispatcher with the built-in executors registered
func New(opts Opts) *Dispatcher {
	d := &Dispatcher{
		log:       opts.Logger,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		executors: make(map[node.Kind]Executor),
	}

	d.executors[node.KindTool] = executeTool
	d.executors[node.KindLLM] = executeLLM
	d.executors[node.KindAgent] = executeAgent
	d.executors[node.KindCondition] = executeCondition
	d.executors[node.KindLoop] = executeLoop
	d.executors[node.KindParallel] = executeParallel
	d.executors[node.KindCode] = executeCode
	d.executors[node.KindWorkflow] = executeWorkflow
	d.executors[node.KindRecursive] = executeRecursive
	d.executors[node.KindHuman] = executeHuman
	d.executors[node.KindMonitor] = executeMonitor
	d.executors[node.KindSwarm] = executeSwarm

	return d
}

// Register installs an executor for a kind. Overwriting requires force.
func (d *Dispatcher) Register(kind node.Kind, ex Executor, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.executors[kind]; exists && !force {
		return errs.Newf(errs.Conflict, "executor for kind %q already registered", kind)
	}
	d.executors[kind] = ex
	return nil
}

func (d *Dispatcher) executor(kind node.Kind) (Executor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ex, ok := d.executors[kind]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "no executor for kind %q", kind)
	}
	return ex, nil
}
