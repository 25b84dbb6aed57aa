package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates boolean expressions using CEL (Common Expression
// Language). Compiled programs are cached by normalized expression text.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate runs an expression against the execution context. The context
// map is exposed as ctx and top-level execution inputs as inputs, so node
// outputs are addressed as ctx.node_id.field.
func (e *Evaluator) Evaluate(expr string, context map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	if strings.Contains(expr, "__") {
		return false, fmt.Errorf("condition expression may not reference dunder names")
	}

	// $.field is accepted as shorthand for ctx.field.
	normalized := strings.ReplaceAll(expr, "$.", "ctx.")

	prg, err := e.program(normalized)
	if err != nil {
		return false, err
	}

	inputs, _ := context["inputs"]
	out, _, err := prg.Eval(map[string]any{
		"ctx":    context,
		"inputs": inputs,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean, got %T", out.Value())
	}

	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	prg, err := compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.DynType),
		cel.Variable("inputs", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
