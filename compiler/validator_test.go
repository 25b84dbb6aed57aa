package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/praxis-ai/praxis/blueprint"
)

func toolNode(id string, deps ...string) *blueprint.NodeSpec {
	return &blueprint.NodeSpec{
		ID:           id,
		Type:         blueprint.NodeTypeTool,
		ToolName:     "echo",
		Dependencies: deps,
		InputSchema:  map[string]any{"val": "any"},
		OutputSchema: map[string]any{"echo": "any"},
	}
}

func testBlueprint(nodes ...*blueprint.NodeSpec) *blueprint.Blueprint {
	return &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: nodes}
}

func TestCompile_SimpleChain(t *testing.T) {
	bp := testBlueprint(toolNode("a"), toolNode("b", "a"), toolNode("c", "b"))

	compiled, err := Compile(bp, Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	levels := compiled.Graph.Levels()
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	if compiled.EstimatedCost != 3 {
		t.Errorf("expected estimated cost 3, got %d", compiled.EstimatedCost)
	}
}

func TestCompile_CycleDetection(t *testing.T) {
	bp := testBlueprint(toolNode("A", "C"), toolNode("B", "A"), toolNode("C", "B"))

	_, err := Compile(bp, Options{})
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var cycle *CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CircularDependencyError, got %T", err)
	}
	want := []string{"A", "B", "C"}
	if len(cycle.Cycle) != len(want) {
		t.Fatalf("expected cycle %v, got %v", want, cycle.Cycle)
	}
	for i, id := range want {
		if cycle.Cycle[i] != id {
			t.Fatalf("expected cycle %v, got %v", want, cycle.Cycle)
		}
	}
}

func TestCompile_SelfLoop(t *testing.T) {
	bp := testBlueprint(toolNode("a", "a"))

	_, err := Compile(bp, Options{})
	if err == nil {
		t.Fatal("expected error for self-dependency")
	}
}

func TestCompile_DepthCeiling(t *testing.T) {
	nodes := []*blueprint.NodeSpec{toolNode("n0")}
	for i := 1; i < 5; i++ {
		nodes = append(nodes, toolNode(nodeID(i), nodeID(i-1)))
	}
	bp := testBlueprint(nodes...)

	_, err := Compile(bp, Options{DepthCeiling: 3})
	if err == nil {
		t.Fatal("expected depth ceiling error")
	}
	if !strings.Contains(err.Error(), "Depth ceiling") {
		t.Errorf("expected error to mention the depth ceiling, got: %v", err)
	}
}

func nodeID(i int) string {
	return "n" + string(rune('0'+i))
}

func TestCompile_BudgetCeiling(t *testing.T) {
	bp := testBlueprint(
		&blueprint.NodeSpec{ID: "llm1", Type: blueprint.NodeTypeLLM, Prompt: "hi"},
		&blueprint.NodeSpec{ID: "llm2", Type: blueprint.NodeTypeLLM, Prompt: "hi", Dependencies: []string{"llm1"}},
	)
	bp.ApplyDefaults()

	// Two llm nodes weigh 4.
	if _, err := Compile(bp, Options{BudgetCeiling: 3}); err == nil {
		t.Fatal("expected budget ceiling error")
	}
	if _, err := Compile(bp, Options{BudgetCeiling: 4}); err != nil {
		t.Fatalf("expected compile to pass at ceiling 4, got: %v", err)
	}
}

func TestCompile_SchemaVersionGate(t *testing.T) {
	bp := testBlueprint(toolNode("a"))
	bp.SchemaVersion = "2.0.0"

	if _, err := Compile(bp, Options{}); err == nil {
		t.Fatal("expected unsupported schema major error")
	}

	bp.SchemaVersion = ""
	if _, err := Compile(bp, Options{}); err == nil {
		t.Fatal("expected missing schema_version error")
	}

	bp.SchemaVersion = "1.9.3"
	if _, err := Compile(bp, Options{}); err != nil {
		t.Fatalf("expected 1.x to compile, got: %v", err)
	}
}

func TestCompile_UnknownDependency(t *testing.T) {
	bp := testBlueprint(toolNode("a", "ghost"))

	_, err := Compile(bp, Options{})
	if err == nil {
		t.Fatal("expected unknown dependency error")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
}

func TestCompile_DuplicateNodeID(t *testing.T) {
	bp := testBlueprint(toolNode("a"), toolNode("a"))

	if _, err := Compile(bp, Options{}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestCompile_SchemaCompatibility(t *testing.T) {
	src := toolNode("src")
	src.OutputSchema = map[string]any{"count": "int"}

	dst := toolNode("dst", "src")
	dst.InputSchema = map[string]any{"val": "string"}
	dst.InputMappings = map[string]blueprint.InputMapping{
		"val": {SourceNodeID: "src", SourceOutputKey: "count"},
	}

	// int -> string does not unify.
	if _, err := Compile(testBlueprint(src, dst), Options{}); err == nil {
		t.Fatal("expected schema incompatibility error")
	}

	// The same wiring compiles in partial mode.
	if _, err := Compile(testBlueprint(src, dst), Options{Partial: true}); err != nil {
		t.Fatalf("expected partial compile to pass, got: %v", err)
	}
}

func TestCompile_MappingRequiresUpstreamSource(t *testing.T) {
	producer := toolNode("producer")
	consumer := toolNode("consumer")
	consumer.InputMappings = map[string]blueprint.InputMapping{
		"val": {SourceNodeID: "producer", SourceOutputKey: "echo"},
	}

	// Without a dependency edge both nodes land on the same level and the
	// consumer would race its source.
	_, err := Compile(testBlueprint(producer, consumer), Options{})
	if err == nil {
		t.Fatal("expected mapping from a non-dependency to be rejected")
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if !strings.Contains(err.Error(), "not an upstream dependency") {
		t.Errorf("expected an ordering violation, got: %v", err)
	}

	consumer.Dependencies = []string{"producer"}
	if _, err := Compile(testBlueprint(producer, consumer), Options{}); err != nil {
		t.Fatalf("expected compile to pass once the dependency is declared, got: %v", err)
	}
}

func TestCompile_MappingFromTransitiveDependency(t *testing.T) {
	a := toolNode("a")
	b := toolNode("b", "a")
	c := toolNode("c", "b")
	c.InputMappings = map[string]blueprint.InputMapping{
		"val": {SourceNodeID: "a", SourceOutputKey: "echo"},
	}

	if _, err := Compile(testBlueprint(a, b, c), Options{}); err != nil {
		t.Fatalf("expected mapping from a transitive ancestor to compile, got: %v", err)
	}
}

func TestCompile_LoopBodyMapsFromOwnerAncestor(t *testing.T) {
	seed := toolNode("seed")
	body := toolNode("body")
	body.InputMappings = map[string]blueprint.InputMapping{
		"val": {SourceNodeID: "seed", SourceOutputKey: "echo"},
	}
	iter := &blueprint.NodeSpec{
		ID: "iter", Type: blueprint.NodeTypeLoop,
		ItemsSource: "inputs.items", ItemVar: "item",
		BodyNodes: []string{"body"}, Dependencies: []string{"seed"},
	}

	// The body inherits the loop's ancestry; seed runs before any iteration.
	if _, err := Compile(testBlueprint(seed, body, iter), Options{}); err != nil {
		t.Fatalf("expected body mapping from the owner's dependency to compile, got: %v", err)
	}
}

func TestCompile_ToolNameMustBeAllowed(t *testing.T) {
	n := toolNode("fetch")
	n.AllowedTools = []string{"math"}

	_, err := Compile(testBlueprint(n), Options{})
	if err == nil {
		t.Fatal("expected allowed_tools to constrain the node's own tool_name")
	}
	if !strings.Contains(err.Error(), "allowed_tools") {
		t.Errorf("expected an allowed_tools violation, got: %v", err)
	}

	n.AllowedTools = []string{"math", "echo"}
	if _, err := Compile(testBlueprint(n), Options{}); err != nil {
		t.Fatalf("expected listed tool_name to compile, got: %v", err)
	}
}

func TestCompile_SensitiveDataPolicy(t *testing.T) {
	src := toolNode("secrets")
	src.SensitiveData = true

	sink := toolNode("exfil", "secrets")
	sink.RequiresExternalIO = true

	if _, err := Compile(testBlueprint(src, sink), Options{}); err == nil {
		t.Fatal("expected sensitive-data policy violation")
	}
}

func TestCompile_ModelAllowList(t *testing.T) {
	bp := testBlueprint(&blueprint.NodeSpec{
		ID: "gen", Type: blueprint.NodeTypeLLM, Prompt: "hi", Model: "gpt-x",
	})
	bp.ApplyDefaults()

	if _, err := Compile(bp, Options{AllowedModels: []string{"gpt-4o-mini"}}); err == nil {
		t.Fatal("expected model allow-list violation")
	}
	if _, err := Compile(bp, Options{AllowedModels: []string{"gpt-x"}}); err != nil {
		t.Fatalf("expected allow-listed model to compile, got: %v", err)
	}
}

func TestGraph_LevelsAndTieBreak(t *testing.T) {
	bp := testBlueprint(toolNode("zeta"), toolNode("alpha"), toolNode("mid", "zeta", "alpha"))

	compiled, err := Compile(bp, Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	levels := compiled.Graph.Levels()
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	// Same level sorts alphabetically.
	if levels[0][0] != "alpha" || levels[0][1] != "zeta" {
		t.Errorf("expected level 0 [alpha zeta], got %v", levels[0])
	}
}

func TestGraph_ChildNodesExcludedFromLevels(t *testing.T) {
	body := toolNode("body")
	loop := &blueprint.NodeSpec{
		ID: "iter", Type: blueprint.NodeTypeLoop,
		ItemsSource: "inputs.items", ItemVar: "item", BodyNodes: []string{"body"},
	}

	compiled, err := Compile(testBlueprint(body, loop), Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	for _, level := range compiled.Graph.Levels() {
		for _, id := range level {
			if id == "body" {
				t.Fatal("loop body node must not be scheduled at top level")
			}
		}
	}
	if owner, ok := compiled.Graph.IsChild("body"); !ok || owner != "iter" {
		t.Errorf("expected body to be owned by iter, got %q (%v)", owner, ok)
	}
}

func TestGraph_CriticalPath(t *testing.T) {
	bp := testBlueprint(toolNode("a"), toolNode("b", "a"), toolNode("c", "b"), toolNode("side"))

	compiled, err := Compile(bp, Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	path := compiled.Graph.CriticalPath()
	if len(path) != 3 {
		t.Fatalf("expected critical path length 3, got %v", path)
	}
	if path[0] != "a" || path[2] != "c" {
		t.Errorf("expected path a->b->c, got %v", path)
	}
}
