package tool

import (
	"context"
	"fmt"
)

// Tool is the invocation contract for registered tools. Instances are
// created fresh per execution; implementations may keep per-call state.
type Tool interface {
	Name() string
	Description() string

	// InputSchema and OutputSchema are JSON Schema documents restricted
	// to objects, required lists, and primitive/array/nested properties.
	InputSchema() map[string]any
	OutputSchema() map[string]any

	// IsDeterministic gates cache eligibility: non-deterministic tools
	// are never served from cache.
	IsDeterministic() bool

	// RequiresExternalIO marks tools that reach outside the process.
	RequiresExternalIO() bool

	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Error is a tool invocation failure. Retriable is false unless the tool
// explicitly tags the failure as transient.
type Error struct {
	Tool      string
	Message   string
	Retriable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// Invoke validates args against the tool's input schema, executes, and
// validates the output against the tool's output schema.
func Invoke(ctx context.Context, t Tool, args map[string]any) (map[string]any, error) {
	if err := ValidateAgainst(t.Name()+"/input", t.InputSchema(), args); err != nil {
		return nil, &Error{Tool: t.Name(), Message: fmt.Sprintf("invalid input: %v", err)}
	}

	out, err := t.Execute(ctx, args)
	if err != nil {
		if te, ok := err.(*Error); ok {
			return nil, te
		}
		return nil, &Error{Tool: t.Name(), Message: err.Error()}
	}

	if err := ValidateAgainst(t.Name()+"/output", t.OutputSchema(), out); err != nil {
		return nil, &Error{Tool: t.Name(), Message: fmt.Sprintf("invalid output: %v", err)}
	}

	return out, nil
}
