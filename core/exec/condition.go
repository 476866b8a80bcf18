package exec

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/ctxstore"
	"github.com/lyzr/flowcore/core/node"
)

// Evaluator evaluates condition expressions with CEL. Compiled programs are
// cached per (expression, variable set).
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with an empty program cache
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate compiles (or reuses) the expression and evaluates it against the
// node inputs. Each input key is declared as a top-level variable; `nodes`
// exposes all upstream outputs and `ctx` the session metadata.
func (e *Evaluator) Evaluate(expr string, inputs map[string]any, ec *ctxstore.Context) (bool, error) {
	// $.field is accepted as an alias for the bare input field
	normalized := strings.ReplaceAll(expr, "$.", "")

	vars := make([]string, 0, len(inputs))
	for k := range inputs {
		vars = append(vars, k)
	}
	sort.Strings(vars)

	key := normalized + "\x00" + strings.Join(vars, ",")

	e.mu.RLock()
	prg, exists := e.cache[key]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = compileCEL(normalized, vars)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[key] = prg
		e.mu.Unlock()
	}

	activation := make(map[string]any, len(inputs)+2)
	for k, v := range inputs {
		activation[k] = v
	}
	activation["nodes"] = ec.Outputs()
	activation["ctx"] = ec.Metadata

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, errs.Wrap(errs.Validation, "expression evaluation failed", err)
	}

	verdict, ok := out.Value().(bool)
	if !ok {
		return false, errs.Newf(errs.Validation, "expression did not return bool, got %T", out.Value())
	}
	return verdict, nil
}

func compileCEL(expr string, vars []string) (cel.Program, error) {
	opts := make([]cel.EnvOption, 0, len(vars)+2)
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	opts = append(opts,
		cel.Variable("nodes", cel.DynType),
		cel.Variable("ctx", cel.DynType),
		// JSON numbers surface as doubles; comparisons against int
		// literals must still work
		cel.CrossTypeNumericComparisons(true),
	)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to create expression env", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errs.Wrap(errs.Validation, "expression compilation failed", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to build expression program", err)
	}
	return prg, nil
}

// ClearCache drops compiled programs
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached programs
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// executeCondition evaluates the expression and emits the verdict. The
// engine reads the verdict off the result to record the branch decision.
func executeCondition(ctx context.Context, h Handle, cfg *node.Config, inputs map[string]any, ec *ctxstore.Context) (map[string]any, *node.Usage, error) {
	if cfg.Condition == nil {
		return nil, nil, errs.Newf(errs.Validation, "node %s: missing condition config", cfg.ID)
	}

	verdict, err := h.Evaluator().Evaluate(cfg.Condition.Expression, inputs, ec)
	if err != nil {
		return nil, nil, err
	}

	return map[string]any{"result": verdict}, nil, nil
}
