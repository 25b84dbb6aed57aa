package tool

import (
	"context"
	"fmt"

	"github.com/praxis-ai/praxis/registry"
)

// EchoTool returns its "val" argument under the key "echo". Useful for
// wiring tests and smoke workflows.
type EchoTool struct{}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "echoes the val argument back as echo" }

func (t *EchoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"val": map[string]any{},
		},
		"required": []any{"val"},
	}
}

func (t *EchoTool) OutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"echo": map[string]any{},
		},
		"required": []any{"echo"},
	}
}

func (t *EchoTool) IsDeterministic() bool    { return true }
func (t *EchoTool) RequiresExternalIO() bool { return false }

func (t *EchoTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": args["val"]}, nil
}

// MathTool applies a binary arithmetic operation to a and b.
type MathTool struct{}

func (t *MathTool) Name() string        { return "math" }
func (t *MathTool) Description() string { return "applies op (add, sub, mul, div) to a and b" }

func (t *MathTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"op": map[string]any{"type": "string"},
			"a":  map[string]any{"type": "number"},
			"b":  map[string]any{"type": "number"},
		},
		"required": []any{"op", "a", "b"},
	}
}

func (t *MathTool) OutputSchema() map[string]any {
	return ObjectSchema(map[string]string{"result": "number"}, "result")
}

func (t *MathTool) IsDeterministic() bool    { return true }
func (t *MathTool) RequiresExternalIO() bool { return false }

func (t *MathTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	a, aok := toFloat(args["a"])
	b, bok := toFloat(args["b"])
	if !aok || !bok {
		return nil, &Error{Tool: t.Name(), Message: "a and b must be numeric"}
	}

	var result float64
	switch args["op"] {
	case "add":
		result = a + b
	case "sub":
		result = a - b
	case "mul":
		result = a * b
	case "div":
		if b == 0 {
			return nil, &Error{Tool: t.Name(), Message: "division by zero"}
		}
		result = a / b
	default:
		return nil, &Error{Tool: t.Name(), Message: fmt.Sprintf("unknown op %v", args["op"])}
	}

	return map[string]any{"result": result}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// RegisterBuiltins registers the built-in tools. Fresh instances come
// from the factories on every resolution.
func RegisterBuiltins(reg *registry.Registry) error {
	builtins := map[string]registry.Factory{
		"echo": func() (any, error) { return &EchoTool{}, nil },
		"math": func() (any, error) { return &MathTool{}, nil },
	}

	for name, factory := range builtins {
		if err := reg.RegisterFactory(registry.SpaceTool, name, "builtin", factory, false); err != nil {
			return fmt.Errorf("failed to register builtin tool %s: %w", name, err)
		}
	}
	return nil
}
