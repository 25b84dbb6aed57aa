package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/common/cache"
	"github.com/praxis-ai/praxis/common/config"
	"github.com/praxis-ai/praxis/common/eventbus"
	"github.com/praxis-ai/praxis/common/logger"
	"github.com/praxis-ai/praxis/common/metrics"
	"github.com/praxis-ai/praxis/condition"
	"github.com/praxis-ai/praxis/engine"
	"github.com/praxis-ai/praxis/llm"
	"github.com/praxis-ai/praxis/memory"
	"github.com/praxis-ai/praxis/registry"
	"github.com/praxis-ai/praxis/resolver"
	"github.com/praxis-ai/praxis/store"
	"github.com/praxis-ai/praxis/tool"
)

// testContainer wires a fully in-process container the way main does,
// minus the optional backends.
func testContainer(t *testing.T) *container.Container {
	t.Helper()

	log := logger.NewNop()
	components := registry.New()
	require.NoError(t, tool.RegisterBuiltins(components))

	svc := llm.NewService()
	svc.Register(llm.NewStubProvider())

	sem, err := memory.NewSemanticMemory(memory.NewHashEmbedder(16), memory.NewInMemoryIndex(16))
	require.NoError(t, err)
	mem := &memory.Manager{
		Working:    memory.NewWorkingMemory(0),
		Episodic:   memory.NewEpisodicMemory(nil, time.Hour),
		Semantic:   sem,
		Procedural: memory.NewProceduralMemory(),
	}

	cfg := &config.Config{
		Engine: config.EngineConfig{
			MaxParallel:     4,
			TokenCeiling:    100_000,
			NodeTimeout:     30 * time.Second,
			WorkflowTimeout: time.Minute,
			RetryBaseDelay:  time.Millisecond,
			RetryMaxDelay:   5 * time.Millisecond,
			MaxNestedDepth:  8,
			FailurePolicy:   "halt",
		},
		Cache: config.CacheConfig{Enabled: true, DefaultTTL: time.Minute},
	}

	c := &container.Container{
		Config:     cfg,
		Logger:     log,
		Bus:        eventbus.New(log),
		Blueprints: blueprint.NewMemoryStore(),
		Executions: store.NewMemoryStore(),
		Approvals:  store.NewApprovalStore(),
		Components: components,
		Memory:     mem,
	}
	c.Engine = engine.New(engine.Deps{
		Config:     cfg.Engine,
		CacheCfg:   cfg.Cache,
		Blueprints: c.Blueprints,
		Registry:   components,
		Resolver:   resolver.New(),
		Conditions: condition.NewEvaluator(),
		LLM:        svc,
		Memory:     mem,
		Sandbox:    tool.NewSandbox(tool.SandboxLimits{}),
		Cache:      cache.NewMemoryCache(log),
		Store:      c.Executions,
		Approvals:  c.Approvals,
		Bus:        c.Bus,
		Metrics:    metrics.NewNop(),
		Logger:     log,
	})
	return c
}

func postJSON(e *echo.Echo, target string, payload any, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(string(data)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	_ = handler(e.NewContext(req, rec))
	return rec
}

func awaitTerminal(t *testing.T, c *container.Container, id string) *store.ExecutionRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := c.Executions.Get(context.Background(), id)
		require.NoError(t, err)
		switch rec.Status {
		case store.StatusCompleted, store.StatusFailed, store.StatusCanceled:
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal status")
	return nil
}

func TestExecutionStart_InlineBlueprint(t *testing.T) {
	c := testContainer(t)
	h := NewExecutionHandler(c)
	e := echo.New()

	payload := StartRequest{
		Blueprint: &blueprint.Blueprint{
			SchemaVersion: "1.0.0",
			Nodes: []*blueprint.NodeSpec{
				{
					ID: "greet", Type: blueprint.NodeTypeTool, ToolName: "echo",
					ToolArgs:     map[string]any{"val": "{{ inputs.name }}"},
					InputSchema:  map[string]any{"val": "any"},
					OutputSchema: map[string]any{"echo": "any"},
				},
			},
		},
		Inputs: map[string]any{"name": "praxis"},
	}

	rec := postJSON(e, "/api/v1/executions", payload, h.Start)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["execution_id"])

	final := awaitTerminal(t, c, resp["execution_id"])
	assert.Equal(t, store.StatusCompleted, final.Status)

	out, ok := final.Output["greet"].(map[string]any)
	require.True(t, ok, "expected greet output, got %v", final.Output)
	assert.Equal(t, "praxis", out["echo"])
}

func TestExecutionStart_StoredBlueprint(t *testing.T) {
	c := testContainer(t)
	h := NewExecutionHandler(c)
	e := echo.New()

	bp := &blueprint.Blueprint{
		SchemaVersion: "1.0.0",
		Nodes: []*blueprint.NodeSpec{
			{
				ID: "a", Type: blueprint.NodeTypeTool, ToolName: "echo",
				ToolArgs:     map[string]any{"val": "stored"},
				InputSchema:  map[string]any{"val": "any"},
				OutputSchema: map[string]any{"echo": "any"},
			},
		},
	}
	stored, err := c.Blueprints.Create(context.Background(), bp, blueprint.LockNew)
	require.NoError(t, err)

	rec := postJSON(e, "/api/v1/executions", StartRequest{BlueprintID: stored.ID}, h.Start)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	final := awaitTerminal(t, c, resp["execution_id"])
	assert.Equal(t, store.StatusCompleted, final.Status)
}

func TestExecutionStart_UnknownBlueprint(t *testing.T) {
	c := testContainer(t)
	h := NewExecutionHandler(c)
	e := echo.New()

	rec := postJSON(e, "/api/v1/executions", StartRequest{BlueprintID: "ghost"}, h.Start)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionStart_MissingBody(t *testing.T) {
	c := testContainer(t)
	h := NewExecutionHandler(c)
	e := echo.New()

	rec := postJSON(e, "/api/v1/executions", StartRequest{}, h.Start)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutionGet_NotFound(t *testing.T) {
	c := testContainer(t)
	h := NewExecutionHandler(c)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/ghost", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("ghost")
	_ = h.Get(ctx)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionCancel(t *testing.T) {
	c := testContainer(t)
	h := NewExecutionHandler(c)
	e := echo.New()

	payload := StartRequest{
		Blueprint: &blueprint.Blueprint{
			SchemaVersion: "1.0.0",
			Nodes: []*blueprint.NodeSpec{
				{
					ID: "gate", Type: blueprint.NodeTypeHuman,
					ApprovalPrompt: "Waiting on you",
					TimeoutSeconds: 60,
				},
			},
		},
	}
	rec := postJSON(e, "/api/v1/executions", payload, h.Start)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["execution_id"]

	// The run starts asynchronously; retry until it is cancellable.
	deadline := time.Now().Add(5 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/"+id+"/cancel", nil)
		w := httptest.NewRecorder()
		ctx := e.NewContext(req, w)
		ctx.SetParamNames("id")
		ctx.SetParamValues(id)
		_ = h.Cancel(ctx)
		if w.Code == http.StatusAccepted {
			break
		}
		require.True(t, time.Now().Before(deadline), "execution never became cancellable")
		time.Sleep(10 * time.Millisecond)
	}

	final := awaitTerminal(t, c, id)
	assert.Equal(t, store.StatusCanceled, final.Status)
}
