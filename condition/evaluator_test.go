package condition

import (
	"testing"
)

func TestEvaluate_Basics(t *testing.T) {
	e := NewEvaluator()
	context := map[string]any{
		"score":  map[string]any{"value": 0.9},
		"label":  map[string]any{"text": "ship"},
		"inputs": map[string]any{"threshold": 0.5},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`ctx.score.value > 0.8`, true},
		{`ctx.score.value < 0.1`, false},
		{`ctx.label.text == "ship"`, true},
		{`ctx.score.value > inputs.threshold`, true},
		{`ctx.score.value > 0.8 && ctx.label.text != "hold"`, true},
	}

	for _, tc := range cases {
		got, err := e.Evaluate(tc.expr, context)
		if err != nil {
			t.Fatalf("expression %q failed: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("expression %q: expected %v, got %v", tc.expr, tc.want, got)
		}
	}
}

func TestEvaluate_DollarShorthand(t *testing.T) {
	e := NewEvaluator()
	context := map[string]any{"check": map[string]any{"ok": true}}

	got, err := e.Evaluate(`$.check.ok`, context)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !got {
		t.Error("expected $.check.ok to resolve via the ctx namespace")
	}
}

func TestEvaluate_DunderRejected(t *testing.T) {
	e := NewEvaluator()
	if _, err := e.Evaluate(`ctx.__class__ != null`, map[string]any{}); err == nil {
		t.Fatal("expected dunder reference to be rejected")
	}
}

func TestEvaluate_EmptyExpression(t *testing.T) {
	e := NewEvaluator()
	if _, err := e.Evaluate("   ", map[string]any{}); err == nil {
		t.Fatal("expected empty expression to be rejected")
	}
}

func TestEvaluate_NonBooleanResult(t *testing.T) {
	e := NewEvaluator()
	if _, err := e.Evaluate(`1 + 1`, map[string]any{}); err == nil {
		t.Fatal("expected non-boolean result to be rejected")
	}
}

func TestEvaluate_MissingFieldErrors(t *testing.T) {
	e := NewEvaluator()
	if _, err := e.Evaluate(`ctx.ghost.value > 1`, map[string]any{}); err == nil {
		t.Fatal("expected missing field to surface an evaluation error")
	}
}

func TestEvaluate_ProgramCaching(t *testing.T) {
	e := NewEvaluator()
	context := map[string]any{"n": map[string]any{"v": 1.0}}

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(`ctx.n.v > 0.0`, context); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
	}
	if e.CacheSize() != 1 {
		t.Errorf("expected 1 cached program, got %d", e.CacheSize())
	}

	e.ClearCache()
	if e.CacheSize() != 0 {
		t.Error("expected cache to be empty after clear")
	}
}
