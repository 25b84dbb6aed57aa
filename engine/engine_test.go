package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/praxis-ai/praxis/agent"
	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/common/cache"
	"github.com/praxis-ai/praxis/common/config"
	"github.com/praxis-ai/praxis/common/eventbus"
	"github.com/praxis-ai/praxis/common/logger"
	"github.com/praxis-ai/praxis/common/metrics"
	"github.com/praxis-ai/praxis/condition"
	"github.com/praxis-ai/praxis/llm"
	"github.com/praxis-ai/praxis/memory"
	"github.com/praxis-ai/praxis/registry"
	"github.com/praxis-ai/praxis/resolver"
	"github.com/praxis-ai/praxis/store"
	"github.com/praxis-ai/praxis/tool"
)

// flakyTool fails with a retriable error until the shared counter reaches
// the configured attempt.
type flakyTool struct {
	calls     *int32
	succeedOn int32
}

func (t *flakyTool) Name() string        { return "flaky" }
func (t *flakyTool) Description() string { return "fails retriably until it doesn't" }
func (t *flakyTool) InputSchema() map[string]any {
	return tool.ObjectSchema(map[string]string{"val": "string"}, "val")
}
func (t *flakyTool) OutputSchema() map[string]any {
	return tool.ObjectSchema(map[string]string{"echo": "string"}, "echo")
}
func (t *flakyTool) IsDeterministic() bool    { return false }
func (t *flakyTool) RequiresExternalIO() bool { return false }

func (t *flakyTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	n := atomic.AddInt32(t.calls, 1)
	if n < t.succeedOn {
		return nil, &tool.Error{Tool: t.Name(), Message: "transient", Retriable: true}
	}
	return map[string]any{"echo": args["val"].(string)}, nil
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxParallel:     4,
		TokenCeiling:    100_000,
		DepthCeiling:    32,
		BudgetCeiling:   1000,
		NodeTimeout:     30 * time.Second,
		WorkflowTimeout: time.Minute,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   5 * time.Millisecond,
		MaxNestedDepth:  8,
		FailurePolicy:   "halt",
	}
}

func testEngine(t *testing.T, mutate func(*Deps)) *Engine {
	t.Helper()

	log := logger.NewNop()
	reg := registry.New()
	if err := tool.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	svc := llm.NewService()
	svc.Register(llm.NewStubProvider())

	sem, err := memory.NewSemanticMemory(memory.NewHashEmbedder(16), memory.NewInMemoryIndex(16))
	if err != nil {
		t.Fatalf("NewSemanticMemory failed: %v", err)
	}

	deps := Deps{
		Config:     testConfig(),
		CacheCfg:   config.CacheConfig{Enabled: true, DefaultTTL: time.Minute},
		Blueprints: blueprint.NewMemoryStore(),
		Registry:   reg,
		Resolver:   resolver.New(),
		Conditions: condition.NewEvaluator(),
		LLM:        svc,
		Memory: &memory.Manager{
			Working:    memory.NewWorkingMemory(0),
			Episodic:   memory.NewEpisodicMemory(nil, time.Hour),
			Semantic:   sem,
			Procedural: memory.NewProceduralMemory(),
		},
		Sandbox:   tool.NewSandbox(tool.SandboxLimits{}),
		Cache:     cache.NewMemoryCache(log),
		Store:     store.NewMemoryStore(),
		Approvals: store.NewApprovalStore(),
		Bus:       eventbus.New(log),
		Metrics:   metrics.NewNop(),
		Logger:    log,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps)
}

func echoNode(id string, deps ...string) *blueprint.NodeSpec {
	return &blueprint.NodeSpec{
		ID:           id,
		Type:         blueprint.NodeTypeTool,
		ToolName:     "echo",
		Dependencies: deps,
		InputSchema:  map[string]any{"val": "any"},
		OutputSchema: map[string]any{"echo": "any"},
	}
}

func testIdentity() memory.Identity {
	return memory.Identity{OrgID: "acme", UserID: "alice"}
}

func hasEvent(rec *store.ExecutionRecord, topic, nodeID string) bool {
	for _, env := range rec.Events {
		if env.Topic == topic && (nodeID == "" || env.NodeID == nodeID) {
			return true
		}
	}
	return false
}

func TestExecute_ToolChain(t *testing.T) {
	e := testEngine(t, nil)

	fetch := echoNode("fetch")
	fetch.ToolArgs = map[string]any{"val": "{{ inputs.seed }}"}

	relay := echoNode("relay", "fetch")
	relay.InputMappings = map[string]blueprint.InputMapping{
		"val": {SourceNodeID: "fetch", SourceOutputKey: "echo"},
	}

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{fetch, relay}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, map[string]any{"seed": 42}, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}

	fetchOut, ok := rec.Output["fetch"].(map[string]any)
	if !ok {
		t.Fatalf("missing fetch output: %v", rec.Output)
	}
	// A whole-string template keeps the looked-up value's type.
	if _, isString := fetchOut["echo"].(string); isString {
		t.Error("expected the seed to flow through without stringification")
	}

	relayOut, ok := rec.Output["relay"].(map[string]any)
	if !ok || relayOut["echo"] != fetchOut["echo"] {
		t.Errorf("expected relay to carry fetch's output, got %v", relayOut)
	}

	if !hasEvent(rec, eventbus.TopicWorkflowStarted, "") || !hasEvent(rec, eventbus.TopicWorkflowFinished, "") {
		t.Error("expected workflow lifecycle events in the record")
	}
	if !hasEvent(rec, eventbus.TopicNodeCompleted, "fetch") || !hasEvent(rec, eventbus.TopicNodeCompleted, "relay") {
		t.Error("expected node completion events in the record")
	}
}

func TestExecute_LLMChain(t *testing.T) {
	e := testEngine(t, nil)

	gen := &blueprint.NodeSpec{
		ID: "gen", Type: blueprint.NodeTypeLLM,
		Prompt: "Write about {{ inputs.topic }}",
	}
	refine := &blueprint.NodeSpec{
		ID: "refine", Type: blueprint.NodeTypeLLM,
		Prompt:       "Refine: {{ gen.text }}",
		Dependencies: []string{"gen"},
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{gen, refine}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, map[string]any{"topic": "tides"}, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}

	// The stub provider echoes its prompt, so the chain is observable.
	genOut := rec.Output["gen"].(map[string]any)
	if genOut["text"] != "Write about tides" {
		t.Errorf("unexpected gen output: %v", genOut["text"])
	}
	refineOut := rec.Output["refine"].(map[string]any)
	text, _ := refineOut["text"].(string)
	if !strings.Contains(text, "Write about tides") {
		t.Errorf("expected refine prompt to embed gen's text, got %q", text)
	}
}

func TestExecute_CycleRejected(t *testing.T) {
	e := testEngine(t, nil)

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{
		echoNode("A", "C"), echoNode("B", "A"), echoNode("C", "B"),
	}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != KindCircular {
		t.Errorf("expected %s, got %+v", KindCircular, rec.Error)
	}
}

func TestExecute_DepthCeiling(t *testing.T) {
	e := testEngine(t, func(d *Deps) { d.Config.DepthCeiling = 2 })

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{
		echoNode("a"), echoNode("b", "a"), echoNode("c", "b"), echoNode("d", "c"),
	}}
	for _, n := range bp.Nodes[1:] {
		n.InputMappings = map[string]blueprint.InputMapping{
			"val": {SourceNodeID: n.Dependencies[0], SourceOutputKey: "echo"},
		}
	}
	bp.Nodes[0].ToolArgs = map[string]any{"val": "x"}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || !strings.Contains(rec.Error.Message, "Depth ceiling") {
		t.Errorf("expected depth ceiling rejection, got %+v", rec.Error)
	}
}

func TestExecute_HaltSkipsDownstream(t *testing.T) {
	e := testEngine(t, nil)

	boom := &blueprint.NodeSpec{
		ID: "boom", Type: blueprint.NodeTypeTool, ToolName: "math",
		ToolArgs:     map[string]any{"op": "div", "a": 1, "b": 0},
		InputSchema:  map[string]any{"op": "string", "a": "float", "b": "float"},
		OutputSchema: map[string]any{"result": "float"},
	}
	after := echoNode("after", "boom")
	after.InputMappings = map[string]blueprint.InputMapping{
		"val": {SourceNodeID: "boom", SourceOutputKey: "result"},
	}

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{boom, after}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != KindTool {
		t.Errorf("expected %s, got %+v", KindTool, rec.Error)
	}
	if !hasEvent(rec, eventbus.TopicNodeSkipped, "after") {
		t.Error("expected downstream node to be skipped under halt")
	}
	if _, exists := rec.Output["after"]; exists {
		t.Error("skipped node must produce no output")
	}
}

func TestExecute_ContinuePossible(t *testing.T) {
	e := testEngine(t, func(d *Deps) { d.Config.FailurePolicy = "continue_possible" })

	boom := &blueprint.NodeSpec{
		ID: "boom", Type: blueprint.NodeTypeTool, ToolName: "math",
		ToolArgs:     map[string]any{"op": "div", "a": 1, "b": 0},
		InputSchema:  map[string]any{"op": "string", "a": "float", "b": "float"},
		OutputSchema: map[string]any{"result": "float"},
	}
	after := echoNode("after", "boom")
	after.InputMappings = map[string]blueprint.InputMapping{
		"val": {SourceNodeID: "boom", SourceOutputKey: "result"},
	}
	side := echoNode("side")
	side.ToolArgs = map[string]any{"val": "independent"}

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{boom, after, side}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}

	// The independent branch still ran; the dependent one was skipped.
	if _, exists := rec.Output["side"]; !exists {
		t.Error("independent node must still run under continue_possible")
	}
	if !hasEvent(rec, eventbus.TopicNodeSkipped, "after") {
		t.Error("dependent of the failed node must be skipped")
	}
}

func TestExecute_EmptyLoop(t *testing.T) {
	e := testEngine(t, nil)

	body := echoNode("body")
	body.InputMappings = map[string]blueprint.InputMapping{}
	body.ToolArgs = map[string]any{"val": "{{ item }}"}

	iter := &blueprint.NodeSpec{
		ID: "iter", Type: blueprint.NodeTypeLoop,
		ItemsSource: "inputs.items", ItemVar: "item", BodyNodes: []string{"body"},
	}

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{body, iter}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, map[string]any{"items": []any{}}, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}

	out := rec.Output["iter"].(map[string]any)
	results, _ := out["results"].([]any)
	if len(results) != 0 || out["iterations"] != 0 {
		t.Errorf("expected empty loop output, got %v", out)
	}
}

func TestExecute_LoopOverItems(t *testing.T) {
	e := testEngine(t, nil)

	body := echoNode("body")
	body.ToolArgs = map[string]any{"val": "{{ item }}"}

	iter := &blueprint.NodeSpec{
		ID: "iter", Type: blueprint.NodeTypeLoop,
		ItemsSource: "inputs.items", ItemVar: "item", BodyNodes: []string{"body"},
	}

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{body, iter}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, map[string]any{"items": []any{"x", "y", "z"}}, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}

	out := rec.Output["iter"].(map[string]any)
	if out["iterations"] != 3 {
		t.Fatalf("expected 3 iterations, got %v", out["iterations"])
	}
	results := out["results"].([]any)
	first := results[0].(map[string]any)
	if first["echo"] != "x" {
		t.Errorf("expected first iteration to echo x, got %v", first)
	}

	// Body outputs stay out of the shared context.
	if _, exists := rec.Output["body"]; exists {
		t.Error("loop body output must not leak into the run context")
	}
}

func TestExecute_ConditionGate(t *testing.T) {
	e := testEngine(t, nil)

	check := &blueprint.NodeSpec{
		ID: "check", Type: blueprint.NodeTypeCondition,
		Expression: `inputs.score > 0.5`,
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{check}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, map[string]any{"score": 0.9}, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}
	out := rec.Output["check"].(map[string]any)
	if out["result"] != true {
		t.Errorf("expected result true, got %v", out)
	}
}

func TestExecute_TokenCeiling(t *testing.T) {
	e := testEngine(t, func(d *Deps) { d.Config.TokenCeiling = 1 })

	gen := &blueprint.NodeSpec{ID: "gen", Type: blueprint.NodeTypeLLM, Prompt: "a long enough prompt"}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{gen}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != KindBudget {
		t.Errorf("expected %s, got %+v", KindBudget, rec.Error)
	}
}

func TestExecute_RetryRecovers(t *testing.T) {
	var calls int32
	e := testEngine(t, nil)
	err := e.registry.RegisterFactory(registry.SpaceTool, "flaky", "test", func() (any, error) {
		return &flakyTool{calls: &calls, succeedOn: 2}, nil
	}, false)
	if err != nil {
		t.Fatalf("RegisterFactory failed: %v", err)
	}

	node := &blueprint.NodeSpec{
		ID: "try", Type: blueprint.NodeTypeTool, ToolName: "flaky",
		ToolArgs:     map[string]any{"val": "x"},
		InputSchema:  map[string]any{"val": "string"},
		OutputSchema: map[string]any{"echo": "string"},
		Retries:      2,
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{node}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s (error: %+v)", rec.Status, rec.Error)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestExecute_CacheHitOnSecondRun(t *testing.T) {
	e := testEngine(t, nil)

	node := echoNode("cached")
	node.ToolArgs = map[string]any{"val": "stable"}
	node.UseCache = true

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{node}}
	bp.ApplyDefaults()

	first, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	if first.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", first.Status, first.Error)
	}
	if hasEvent(first, eventbus.TopicNodeCached, "cached") {
		t.Fatal("first run must compute, not hit the cache")
	}

	second, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if second.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", second.Status, second.Error)
	}
	if !hasEvent(second, eventbus.TopicNodeCached, "cached") {
		t.Error("second run with identical inputs must be served from cache")
	}
	if out := second.Output["cached"].(map[string]any); out["echo"] != "stable" {
		t.Errorf("cached output mismatch: %v", out)
	}
}

func TestExecute_HumanTimeoutResolvesSoft(t *testing.T) {
	e := testEngine(t, nil)

	gate := &blueprint.NodeSpec{
		ID: "gate", Type: blueprint.NodeTypeHuman,
		ApprovalPrompt: "Proceed with {{ inputs.action }}?",
		TimeoutSeconds: 1,
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{gate}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, map[string]any{"action": "deploy"}, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("unanswered approvals resolve, not fail; got %s (error: %+v)", rec.Status, rec.Error)
	}

	out := rec.Output["gate"].(map[string]any)
	if out["approved"] != false || out["timeout"] != true {
		t.Errorf("expected approved=false timeout=true, got %v", out)
	}
	if !hasEvent(rec, eventbus.TopicApprovalRequired, "gate") {
		t.Error("expected an approval.required event")
	}
}

func TestExecute_HumanApproved(t *testing.T) {
	e := testEngine(t, nil)

	gate := &blueprint.NodeSpec{
		ID: "gate", Type: blueprint.NodeTypeHuman,
		ApprovalPrompt: "Ship it?",
		TimeoutSeconds: 10,
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{gate}}
	bp.ApplyDefaults()

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			pending := e.Approvals().ListPending()
			if len(pending) > 0 {
				e.Approvals().Decide(pending[0].ID, true, "lgtm")
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}
	out := rec.Output["gate"].(map[string]any)
	if out["approved"] != true || out["comment"] != "lgtm" {
		t.Errorf("expected approval with comment, got %v", out)
	}
}

func TestStartAndCancel(t *testing.T) {
	e := testEngine(t, nil)

	gate := &blueprint.NodeSpec{
		ID: "gate", Type: blueprint.NodeTypeHuman,
		ApprovalPrompt: "Hold the line",
		TimeoutSeconds: 60,
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{gate}}
	bp.ApplyDefaults()

	id, err := e.Start(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for the run to actually be in flight.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := e.Cancel(id); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution never became cancellable")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for {
		rec, err := e.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Status == store.StatusCanceled {
			if rec.Error == nil || rec.Error.Kind != KindCancelled {
				t.Errorf("expected %s, got %+v", KindCancelled, rec.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never settled, status %s", rec.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestExecute_NestedWorkflow(t *testing.T) {
	blueprints := blueprint.NewMemoryStore()
	e := testEngine(t, func(d *Deps) { d.Blueprints = blueprints })

	inner := echoNode("inner")
	inner.ToolArgs = map[string]any{"val": "{{ inputs.payload }}"}
	sub := &blueprint.Blueprint{
		SchemaVersion: "1.0.0",
		Metadata:      blueprint.Metadata{Name: "inner-flow"},
		Nodes:         []*blueprint.NodeSpec{inner},
	}
	sub.ApplyDefaults()
	stored, err := blueprints.Create(context.Background(), sub, blueprint.LockNew)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	call := &blueprint.NodeSpec{
		ID: "call", Type: blueprint.NodeTypeWorkflow,
		WorkflowRef:    stored.ID,
		WorkflowInputs: map[string]any{"payload": "{{ inputs.message }}"},
		ExposedOutputs: map[string]string{"relayed": "inner.echo"},
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{call}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, map[string]any{"message": "hello"}, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}

	out := rec.Output["call"].(map[string]any)
	if out["relayed"] != "hello" {
		t.Errorf("expected exposed output hello, got %v", out)
	}
}

func TestExecute_NestedDepthLimit(t *testing.T) {
	blueprints := blueprint.NewMemoryStore()
	e := testEngine(t, func(d *Deps) {
		d.Blueprints = blueprints
		d.Config.MaxNestedDepth = 1
	})

	inner := echoNode("inner")
	inner.ToolArgs = map[string]any{"val": "x"}
	leaf := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{inner}}
	leaf.ApplyDefaults()
	storedLeaf, err := blueprints.Create(context.Background(), leaf, blueprint.LockNew)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mid := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{
		{ID: "call-leaf", Type: blueprint.NodeTypeWorkflow, WorkflowRef: storedLeaf.ID},
	}}
	mid.ApplyDefaults()
	storedMid, err := blueprints.Create(context.Background(), mid, blueprint.LockNew)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	root := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{
		{ID: "call-mid", Type: blueprint.NodeTypeWorkflow, WorkflowRef: storedMid.ID},
	}}
	root.ApplyDefaults()

	rec, err := e.Execute(context.Background(), root, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || !strings.Contains(rec.Error.Message, "depth") {
		t.Errorf("expected nesting depth rejection, got %+v", rec.Error)
	}
}

func TestExecute_ParallelBranches(t *testing.T) {
	e := testEngine(t, nil)

	left := echoNode("left")
	left.ToolArgs = map[string]any{"val": "L"}
	right := echoNode("right")
	right.ToolArgs = map[string]any{"val": "R"}

	fan := &blueprint.NodeSpec{
		ID: "fan", Type: blueprint.NodeTypeParallel,
		Branches: [][]string{{"left"}, {"right"}},
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{left, right, fan}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}

	out := rec.Output["fan"].(map[string]any)
	branches, ok := out["branches"].([]any)
	if !ok || len(branches) != 2 {
		t.Fatalf("expected 2 branch outputs, got %v", out)
	}
}

func TestFingerprint_SensitiveToInputsAndConfig(t *testing.T) {
	node := echoNode("n")

	a, err := Fingerprint(node, map[string]any{"val": 1})
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	b, err := Fingerprint(node, map[string]any{"val": 2})
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if a == b {
		t.Error("different inputs must change the fingerprint")
	}

	changed := echoNode("n")
	changed.Retries = 5
	c, err := Fingerprint(changed, map[string]any{"val": 1})
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if a == c {
		t.Error("config change must change the fingerprint")
	}

	again, _ := Fingerprint(node, map[string]any{"val": 1})
	if a != again {
		t.Error("identical node and inputs must produce identical fingerprints")
	}
	if !strings.HasPrefix(a, "node:") {
		t.Errorf("unexpected fingerprint format: %s", a)
	}
}

func TestExecute_AgentScriptedPlan(t *testing.T) {
	e := testEngine(t, func(d *Deps) {
		steps := []agent.Step{{Tool: "echo", Inputs: map[string]any{"val": "scouted"}}}
		err := d.Registry.RegisterFactory(registry.SpaceAgent, "planner", "test",
			func() (any, error) { return agent.NewScriptAgent("planner", steps), nil }, false)
		if err != nil {
			t.Fatalf("RegisterFactory failed: %v", err)
		}
	})

	plan := &blueprint.NodeSpec{
		ID: "plan", Type: blueprint.NodeTypeAgent,
		AgentName:    "planner",
		AllowedTools: []string{"echo"},
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{plan}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}

	out, ok := rec.Output["plan"].(map[string]any)
	if !ok {
		t.Fatalf("missing plan output: %v", rec.Output)
	}
	// One tool step plus the finishing step.
	if out["iterations"] != 2 {
		t.Errorf("expected 2 iterations, got %v", out["iterations"])
	}
	final, _ := out["output"].(map[string]any)
	result, _ := final["result"].(map[string]any)
	if result["echo"] != "scouted" {
		t.Errorf("expected the scripted observation in the output, got %v", final)
	}
}

func TestExecute_AgentDisallowedTool(t *testing.T) {
	e := testEngine(t, func(d *Deps) {
		steps := []agent.Step{{Tool: "math", Inputs: map[string]any{"op": "add", "a": 1, "b": 2}}}
		err := d.Registry.RegisterFactory(registry.SpaceAgent, "planner", "test",
			func() (any, error) { return agent.NewScriptAgent("planner", steps), nil }, false)
		if err != nil {
			t.Fatalf("RegisterFactory failed: %v", err)
		}
	})

	plan := &blueprint.NodeSpec{
		ID: "plan", Type: blueprint.NodeTypeAgent,
		AgentName:    "planner",
		AllowedTools: []string{"echo"},
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{plan}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != KindTool {
		t.Errorf("expected %s, got %+v", KindTool, rec.Error)
	}
	if rec.Error == nil || !strings.Contains(rec.Error.Message, "outside allowed_tools") {
		t.Errorf("expected an allowed_tools rejection, got %+v", rec.Error)
	}
}

func TestExecute_AgentIterationBound(t *testing.T) {
	e := testEngine(t, func(d *Deps) {
		steps := []agent.Step{
			{Tool: "echo", Inputs: map[string]any{"val": "one"}},
			{Tool: "echo", Inputs: map[string]any{"val": "two"}},
			{Tool: "echo", Inputs: map[string]any{"val": "three"}},
		}
		err := d.Registry.RegisterFactory(registry.SpaceAgent, "planner", "test",
			func() (any, error) { return agent.NewScriptAgent("planner", steps), nil }, false)
		if err != nil {
			t.Fatalf("RegisterFactory failed: %v", err)
		}
	})

	plan := &blueprint.NodeSpec{
		ID: "plan", Type: blueprint.NodeTypeAgent,
		AgentName:     "planner",
		AllowedTools:  []string{"echo"},
		MaxIterations: 2,
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{plan}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || !strings.Contains(rec.Error.Message, "did not finish within 2 iterations") {
		t.Errorf("expected the iteration bound to fire, got %+v", rec.Error)
	}
}

func TestExecute_MonitorAlert(t *testing.T) {
	e := testEngine(t, nil)

	probe := echoNode("probe")
	probe.ToolArgs = map[string]any{"val": "hot"}

	watch := &blueprint.NodeSpec{
		ID: "watch", Type: blueprint.NodeTypeMonitor,
		MetricExpression: `ctx.probe.echo == "hot"`,
		AlertChannels:    []string{"oncall"},
		Dependencies:     []string{"probe"},
	}
	quiet := &blueprint.NodeSpec{
		ID: "quiet", Type: blueprint.NodeTypeMonitor,
		MetricExpression: `ctx.probe.echo == "cold"`,
		Dependencies:     []string{"probe"},
	}
	after := echoNode("after", "watch")
	after.ToolArgs = map[string]any{"val": "done"}

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{probe, watch, quiet, after}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}

	watchOut, _ := rec.Output["watch"].(map[string]any)
	if watchOut["triggered"] != true || watchOut["action"] != "alert" {
		t.Errorf("expected a triggered alert, got %v", watchOut)
	}
	quietOut, _ := rec.Output["quiet"].(map[string]any)
	if quietOut["triggered"] != false {
		t.Errorf("expected the quiet monitor not to trigger, got %v", quietOut)
	}

	if !hasEvent(rec, eventbus.TopicMonitorAlert, "watch") {
		t.Error("expected a monitor alert event for watch")
	}
	if hasEvent(rec, eventbus.TopicMonitorAlert, "quiet") {
		t.Error("expected no alert event for the quiet monitor")
	}
	if !hasEvent(rec, eventbus.TopicNodeCompleted, "after") {
		t.Error("expected downstream to run after a plain alert")
	}
}

func TestExecute_MonitorHalt(t *testing.T) {
	e := testEngine(t, nil)

	probe := echoNode("probe")
	probe.ToolArgs = map[string]any{"val": "hot"}

	watch := &blueprint.NodeSpec{
		ID: "watch", Type: blueprint.NodeTypeMonitor,
		MetricExpression: `ctx.probe.echo == "hot"`,
		ActionOnTrigger:  "halt",
		Dependencies:     []string{"probe"},
	}
	after := echoNode("after", "watch")
	after.ToolArgs = map[string]any{"val": "done"}

	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{probe, watch, after}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != KindCondition {
		t.Errorf("expected %s, got %+v", KindCondition, rec.Error)
	}
	if !hasEvent(rec, eventbus.TopicMonitorAlert, "watch") {
		t.Error("expected the alert event even when halting")
	}
	if !hasEvent(rec, eventbus.TopicNodeSkipped, "after") {
		t.Error("expected downstream to be skipped after a halting monitor")
	}
}

func TestExecute_CodeFactoryTool(t *testing.T) {
	e := testEngine(t, func(d *Deps) {
		err := d.Registry.RegisterFactory(registry.SpaceCode, "transform", "test",
			func() (any, error) { return &tool.EchoTool{}, nil }, false)
		if err != nil {
			t.Fatalf("RegisterFactory failed: %v", err)
		}
	})

	prep := echoNode("prep")
	prep.ToolArgs = map[string]any{"val": "{{ inputs.payload }}"}

	run := &blueprint.NodeSpec{
		ID: "run", Type: blueprint.NodeTypeCode,
		FactoryName:  "transform",
		Dependencies: []string{"prep"},
		InputMappings: map[string]blueprint.InputMapping{
			"val": {SourceNodeID: "prep", SourceOutputKey: "echo"},
		},
		InputSchema:  map[string]any{"val": "any"},
		OutputSchema: map[string]any{"echo": "any"},
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{prep, run}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, map[string]any{"payload": "in-process"}, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", rec.Status, rec.Error)
	}
	out, _ := rec.Output["run"].(map[string]any)
	if out["echo"] != "in-process" {
		t.Errorf("expected the factory tool output, got %v", out)
	}
}

func TestExecute_CodeScriptRequiresSandbox(t *testing.T) {
	e := testEngine(t, func(d *Deps) {
		err := d.Registry.RegisterFactory(registry.SpaceCode, "summarize", "test",
			func() (any, error) {
				return &tool.Script{Language: "python", Source: "print('{}')"}, nil
			}, false)
		if err != nil {
			t.Fatalf("RegisterFactory failed: %v", err)
		}
	})

	prep := echoNode("prep")
	prep.ToolArgs = map[string]any{"val": "text"}

	sandboxOff := false
	run := &blueprint.NodeSpec{
		ID: "run", Type: blueprint.NodeTypeCode,
		FactoryName:  "summarize",
		Sandbox:      &sandboxOff,
		Dependencies: []string{"prep"},
		InputMappings: map[string]blueprint.InputMapping{
			"val": {SourceNodeID: "prep", SourceOutputKey: "echo"},
		},
		InputSchema:  map[string]any{"val": "any"},
		OutputSchema: map[string]any{"result": "any"},
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{prep, run}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != KindSandbox {
		t.Errorf("expected %s, got %+v", KindSandbox, rec.Error)
	}
	if rec.Error == nil || !strings.Contains(rec.Error.Message, "requires the sandbox") {
		t.Errorf("expected the sandbox requirement to be reported, got %+v", rec.Error)
	}
}

func TestExecute_CodeFactoryUnsupportedType(t *testing.T) {
	e := testEngine(t, func(d *Deps) {
		err := d.Registry.RegisterFactory(registry.SpaceCode, "broken", "test",
			func() (any, error) { return 42, nil }, false)
		if err != nil {
			t.Fatalf("RegisterFactory failed: %v", err)
		}
	})

	prep := echoNode("prep")
	prep.ToolArgs = map[string]any{"val": "text"}

	run := &blueprint.NodeSpec{
		ID: "run", Type: blueprint.NodeTypeCode,
		FactoryName:  "broken",
		Dependencies: []string{"prep"},
		InputMappings: map[string]blueprint.InputMapping{
			"val": {SourceNodeID: "prep", SourceOutputKey: "echo"},
		},
		InputSchema:  map[string]any{"val": "any"},
		OutputSchema: map[string]any{"result": "any"},
	}
	bp := &blueprint.Blueprint{SchemaVersion: "1.0.0", Nodes: []*blueprint.NodeSpec{prep, run}}
	bp.ApplyDefaults()

	rec, err := e.Execute(context.Background(), bp, nil, testIdentity())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != KindSandbox {
		t.Errorf("expected %s, got %+v", KindSandbox, rec.Error)
	}
}

func TestRunContext_SnapshotIsolation(t *testing.T) {
	r := newRun("run-1", &blueprint.Blueprint{}, nil, map[string]any{"seed": 1}, testIdentity(), 0)
	r.setOutput("fetch", map[string]any{"nested": map[string]any{"value": "original"}})

	snap := r.Context()
	snap["fetch"].(map[string]any)["nested"].(map[string]any)["value"] = "tampered"

	again := r.Context()
	got := again["fetch"].(map[string]any)["nested"].(map[string]any)["value"]
	if got != "original" {
		t.Errorf("published outputs must not be writable through a snapshot, got %v", got)
	}
}
