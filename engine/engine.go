package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/common/cache"
	"github.com/praxis-ai/praxis/common/config"
	"github.com/praxis-ai/praxis/common/eventbus"
	"github.com/praxis-ai/praxis/common/logger"
	"github.com/praxis-ai/praxis/common/metrics"
	"github.com/praxis-ai/praxis/compiler"
	"github.com/praxis-ai/praxis/condition"
	"github.com/praxis-ai/praxis/llm"
	"github.com/praxis-ai/praxis/memory"
	"github.com/praxis-ai/praxis/registry"
	"github.com/praxis-ai/praxis/resolver"
	"github.com/praxis-ai/praxis/store"
	"github.com/praxis-ai/praxis/tool"
)

// Deps bundles everything the engine needs.
type Deps struct {
	Config     config.EngineConfig
	CacheCfg   config.CacheConfig
	Blueprints blueprint.Store
	Registry   *registry.Registry
	Resolver   *resolver.Resolver
	Conditions *condition.Evaluator
	LLM        *llm.Service
	Memory     *memory.Manager
	Sandbox    *tool.Sandbox
	Cache      cache.Cache
	Store      store.Store
	Approvals  *store.ApprovalStore
	Bus        *eventbus.Bus
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
}

// activeRun tracks one running execution for cancellation.
type activeRun struct {
	cancel        context.CancelFunc
	userRequested bool
	mu            sync.Mutex
}

// Engine compiles blueprints and walks their levels with bounded
// concurrency. It is the single writer of execution records and run
// context.
type Engine struct {
	cfg        config.EngineConfig
	cacheCfg   config.CacheConfig
	blueprints blueprint.Store
	registry   *registry.Registry
	resolver   *resolver.Resolver
	conditions *condition.Evaluator
	llm        *llm.Service
	mem        *memory.Manager
	sandbox    *tool.Sandbox
	cache      cache.Cache
	store      store.Store
	approvals  *store.ApprovalStore
	bus        *eventbus.Bus
	metrics    *metrics.Metrics
	log        *logger.Logger

	executors map[string]Executor
	active    sync.Map // execution id -> *activeRun
}

// New creates an engine.
func New(deps Deps) *Engine {
	e := &Engine{
		cfg:        deps.Config,
		cacheCfg:   deps.CacheCfg,
		blueprints: deps.Blueprints,
		registry:   deps.Registry,
		resolver:   deps.Resolver,
		conditions: deps.Conditions,
		llm:        deps.LLM,
		mem:        deps.Memory,
		sandbox:    deps.Sandbox,
		cache:      deps.Cache,
		store:      deps.Store,
		approvals:  deps.Approvals,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		log:        deps.Logger,
	}
	e.executors = e.buildExecutors()
	return e
}

// Approvals exposes the approval store for the API layer.
func (e *Engine) Approvals() *store.ApprovalStore { return e.approvals }

// Start creates an execution record and runs the blueprint in the
// background, returning the execution id immediately.
func (e *Engine) Start(ctx context.Context, bp *blueprint.Blueprint, inputs map[string]any, identity memory.Identity) (string, error) {
	executionID := uuid.NewString()
	if err := e.createRecord(ctx, executionID, bp, inputs); err != nil {
		return "", err
	}

	go func() {
		// The run outlives the request context.
		e.run(context.Background(), executionID, bp, inputs, identity)
	}()

	return executionID, nil
}

// Execute runs a blueprint synchronously and returns the final record.
func (e *Engine) Execute(ctx context.Context, bp *blueprint.Blueprint, inputs map[string]any, identity memory.Identity) (*store.ExecutionRecord, error) {
	executionID := uuid.NewString()
	if err := e.createRecord(ctx, executionID, bp, inputs); err != nil {
		return nil, err
	}
	e.run(ctx, executionID, bp, inputs, identity)
	return e.store.Get(ctx, executionID)
}

// Cancel requests cancellation of a running execution. The flag is
// observed at the next suspension point or level boundary.
func (e *Engine) Cancel(executionID string) error {
	value, exists := e.active.Load(executionID)
	if !exists {
		return fmt.Errorf("execution %s is not running", executionID)
	}

	ar := value.(*activeRun)
	ar.mu.Lock()
	ar.userRequested = true
	ar.mu.Unlock()
	ar.cancel()
	return nil
}

func (e *Engine) createRecord(ctx context.Context, executionID string, bp *blueprint.Blueprint, inputs map[string]any) error {
	rec := &store.ExecutionRecord{
		ID:          executionID,
		BlueprintID: bp.ID,
		Status:      store.StatusPending,
		CreatedAt:   time.Now().UTC(),
		Inputs:      inputs,
	}
	if err := e.store.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to create execution record: %w", err)
	}
	return nil
}

// run executes one blueprint end to end and settles the record.
func (e *Engine) run(ctx context.Context, executionID string, bp *blueprint.Blueprint, inputs map[string]any, identity memory.Identity) {
	start := time.Now()
	e.metrics.ExecutionsStarted.Inc()
	log := e.log.WithExecutionID(executionID)

	compiled, err := compiler.Compile(bp, compiler.Options{
		Registry:      e.registry,
		AllowedModels: e.cfg.AllowedModels,
		BudgetCeiling: e.cfg.BudgetCeiling,
		DepthCeiling:  e.cfg.DepthCeiling,
	})
	if err != nil {
		kind := KindValidation
		var cycle *compiler.CircularDependencyError
		if errors.As(err, &cycle) {
			kind = KindCircular
		}
		log.Error("blueprint rejected", "error", err)
		e.settleFailed(ctx, executionID, nil, &store.ExecutionError{Kind: kind, Message: err.Error()}, start)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.WorkflowTimeout)
	defer cancel()

	ar := &activeRun{cancel: cancel}
	e.active.Store(executionID, ar)
	defer e.active.Delete(executionID)

	if err := e.store.Transition(ctx, executionID, store.StatusRunning, store.Update{}); err != nil {
		log.Error("failed to mark execution running", "error", err)
		return
	}

	run := newRun(executionID, bp, compiled.Graph, inputs, identity, 0)
	run.recordID = executionID

	e.emit(ctx, run, eventbus.TopicWorkflowStarted, "", map[string]any{
		"blueprint_id": bp.ID,
		"node_count":   len(bp.Nodes),
	})

	workflowErr := e.runLevels(runCtx, run)

	outputs := run.outputsSnapshot()
	durationMS := time.Since(start).Milliseconds()

	switch {
	case workflowErr != nil && workflowErr.Kind == KindCancelled:
		e.store.Transition(ctx, executionID, store.StatusCanceled, store.Update{
			Output: outputs,
			Error:  &store.ExecutionError{Kind: KindCancelled, Message: workflowErr.Message},
		})
		e.metrics.ExecutionsFailed.Inc()
		e.emit(ctx, run, eventbus.TopicWorkflowCanceled, "", map[string]any{"duration_ms": durationMS})
		log.Info("execution canceled", "duration_ms", durationMS)

	case workflowErr != nil:
		e.store.Transition(ctx, executionID, store.StatusFailed, store.Update{
			Output: outputs,
			Error:  &store.ExecutionError{Kind: workflowErr.Kind, Message: workflowErr.Message},
		})
		e.metrics.ExecutionsFailed.Inc()
		e.emit(ctx, run, eventbus.TopicWorkflowFailed, "", map[string]any{
			"error_kind":  workflowErr.Kind,
			"message":     workflowErr.Message,
			"duration_ms": durationMS,
		})
		log.Warn("execution failed", "kind", workflowErr.Kind, "error", workflowErr.Message)

	default:
		e.store.Transition(ctx, executionID, store.StatusCompleted, store.Update{Output: outputs})
		e.metrics.ExecutionsCompleted.Inc()
		e.emit(ctx, run, eventbus.TopicWorkflowFinished, "", map[string]any{
			"success":     true,
			"duration_ms": durationMS,
		})
		log.Info("execution completed", "duration_ms", durationMS)
	}
}

// settleFailed marks an execution failed before any level ran.
func (e *Engine) settleFailed(ctx context.Context, executionID string, run *Run, execErr *store.ExecutionError, start time.Time) {
	e.store.Transition(ctx, executionID, store.StatusFailed, store.Update{Error: execErr})
	e.metrics.ExecutionsFailed.Inc()

	env := eventbus.Envelope{
		Topic: eventbus.TopicWorkflowFailed,
		RunID: executionID,
		TS:    time.Now().UTC(),
		Payload: map[string]any{
			"error_kind":  execErr.Kind,
			"message":     execErr.Message,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	e.bus.Publish(env)
	e.store.AppendEvent(ctx, executionID, env)
}

// runLevels walks the graph level by level. It returns nil on success or
// the terminal workflow error.
func (e *Engine) runLevels(ctx context.Context, run *Run) *NodeError {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallel))
	skipped := make(map[string]bool)

	for _, level := range run.Graph.Levels() {
		if err := e.checkAbort(ctx, run); err != nil {
			e.skipRemaining(ctx, run, skipped)
			return err
		}

		g, levelCtx := errgroup.WithContext(ctx)
		for _, nodeID := range level {
			if skipped[nodeID] {
				continue
			}

			node := run.Graph.Node(nodeID)
			weight := int64(compiler.NodeWeight(node))

			if err := sem.Acquire(ctx, weight); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(weight)
				e.executeNode(levelCtx, run, node)
				return nil
			})
		}
		g.Wait()

		if err := e.checkAbort(ctx, run); err != nil {
			e.skipRemaining(ctx, run, skipped)
			return err
		}

		if failed := run.failedNodes(); len(failed) > 0 {
			switch e.cfg.FailurePolicy {
			case "continue_all":
				// Every node still runs; failures aggregate at the end.
			case "continue_possible":
				e.skipDependents(ctx, run, failed, skipped)
			default: // halt
				e.skipRemaining(ctx, run, skipped)
				first := run.failure(failed[0])
				return &NodeError{Kind: first.Kind, Message: fmt.Sprintf("node %s failed: %s", failed[0], first.Message)}
			}
		}
	}

	if failed := run.failedNodes(); len(failed) > 0 {
		first := run.failure(failed[0])
		return &NodeError{
			Kind:    first.Kind,
			Message: fmt.Sprintf("%d node(s) failed, first: %s: %s", len(failed), failed[0], first.Message),
		}
	}
	return nil
}

// checkAbort inspects the cancellation flag, workflow deadline, and
// budget state.
func (e *Engine) checkAbort(ctx context.Context, run *Run) *NodeError {
	if budgetErr := run.budgetError(); budgetErr != nil {
		return budgetErr
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &NodeError{Kind: KindTimeout, Message: "workflow timeout exceeded"}
		}
		if value, exists := e.active.Load(run.recordID); exists {
			ar := value.(*activeRun)
			ar.mu.Lock()
			requested := ar.userRequested
			ar.mu.Unlock()
			if requested {
				return &NodeError{Kind: KindCancelled, Message: "canceled by request"}
			}
		}
		return &NodeError{Kind: KindCancelled, Message: err.Error()}
	}
	return nil
}

// skipRemaining marks every pending node skipped.
func (e *Engine) skipRemaining(ctx context.Context, run *Run, skipped map[string]bool) {
	for _, nodeID := range run.Graph.TopologicalOrder() {
		if run.status(nodeID) == nodeStatusPending && !skipped[nodeID] {
			skipped[nodeID] = true
			run.setStatus(nodeID, nodeStatusSkipped)
			e.emit(ctx, run, eventbus.TopicNodeSkipped, nodeID, nil)
		}
	}
}

// skipDependents marks the transitive dependents of failed nodes skipped.
func (e *Engine) skipDependents(ctx context.Context, run *Run, failed []string, skipped map[string]bool) {
	doomed := make(map[string]bool, len(failed))
	for _, id := range failed {
		doomed[id] = true
	}

	// Topological order guarantees dependencies are classified first.
	for _, nodeID := range run.Graph.TopologicalOrder() {
		if doomed[nodeID] {
			continue
		}
		for _, dep := range run.Graph.Dependencies(nodeID) {
			if doomed[dep] {
				doomed[nodeID] = true
				if run.status(nodeID) == nodeStatusPending && !skipped[nodeID] {
					skipped[nodeID] = true
					run.setStatus(nodeID, nodeStatusSkipped)
					e.emit(ctx, run, eventbus.TopicNodeSkipped, nodeID, nil)
				}
				break
			}
		}
	}
}

// executeNode runs one node's full lifecycle: context build, cache
// probe, retry loop, output validation, event emission.
func (e *Engine) executeNode(ctx context.Context, run *Run, node *blueprint.NodeSpec) {
	run.setStatus(node.ID, nodeStatusRunning)
	e.emit(ctx, run, eventbus.TopicNodeStarted, node.ID, map[string]any{"type": node.Type})
	start := time.Now()

	snapshot := run.Context()
	inputs, err := e.resolver.BuildInputs(node, snapshot)
	if err != nil {
		e.failNode(ctx, run, node, &NodeError{Kind: KindContext, Message: err.Error()})
		return
	}

	cacheable := e.cacheEligible(node)
	fingerprint := ""
	if cacheable {
		fingerprint, err = Fingerprint(node, inputs)
		if err != nil {
			cacheable = false
		}
	}

	var f *flight
	if cacheable {
		var owner bool
		f, owner = run.beginFlight(fingerprint)
		if !owner {
			select {
			case <-f.done:
				e.applyShared(ctx, run, node, f.result)
			case <-ctx.Done():
				e.failNode(ctx, run, node, &NodeError{Kind: KindCancelled, Message: ctx.Err().Error()})
			}
			return
		}

		if data, hit, cerr := e.cache.Get(ctx, fingerprint); cerr == nil && hit {
			var cached NodeExecutionResult
			if jerr := json.Unmarshal(data, &cached); jerr == nil && cached.Success {
				run.setOutput(node.ID, cached.Output)
				run.setStatus(node.ID, nodeStatusCached)
				e.metrics.NodesCached.Inc()
				e.emit(ctx, run, eventbus.TopicNodeCached, node.ID, nil)
				run.endFlight(f, &cached)
				return
			}
		}
	}

	result := e.dispatchWithRetry(ctx, run, node, inputs, snapshot)

	// Validate and coerce the output against the declared schema.
	if result.Success && len(node.OutputSchema) > 0 {
		coerced, verr := resolver.CoerceToSchema(node.ID, result.Output, node.OutputSchema)
		if verr != nil {
			result = Fail(KindValidation, fmt.Sprintf("output schema violation: %v", verr), false)
		} else {
			result.Output = coerced
		}
	}

	if cacheable {
		if result.Success {
			if data, merr := json.Marshal(result); merr == nil {
				e.cache.Set(ctx, fingerprint, data, e.cacheCfg.DefaultTTL)
			}
		}
		run.endFlight(f, result)
	}

	if !result.Success {
		e.failNode(ctx, run, node, result.Error)
		return
	}

	run.setOutput(node.ID, result.Output)
	run.setStatus(node.ID, nodeStatusCompleted)
	e.emit(ctx, run, eventbus.TopicNodeCompleted, node.ID, map[string]any{
		"output_digest": outputDigest(result.Output),
		"duration_ms":   time.Since(start).Milliseconds(),
	})
}

// runChild executes one loop-body or branch node against a scratch
// context, with the normal event lifecycle. Child outputs live only in
// the scratch map; they never enter the run's shared context.
func (e *Engine) runChild(ctx context.Context, run *Run, node *blueprint.NodeSpec, scratch map[string]any) *NodeExecutionResult {
	e.emit(ctx, run, eventbus.TopicNodeStarted, node.ID, map[string]any{"type": node.Type})
	start := time.Now()

	inputs, err := e.resolver.BuildInputs(node, scratch)
	if err != nil {
		result := Fail(KindContext, err.Error(), false)
		e.emit(ctx, run, eventbus.TopicNodeFailed, node.ID, map[string]any{
			"error_kind": result.Error.Kind,
			"message":    result.Error.Message,
		})
		return result
	}

	result := e.dispatchWithRetry(ctx, run, node, inputs, scratch)
	if result.Success && len(node.OutputSchema) > 0 {
		coerced, verr := resolver.CoerceToSchema(node.ID, result.Output, node.OutputSchema)
		if verr != nil {
			result = Fail(KindValidation, fmt.Sprintf("output schema violation: %v", verr), false)
		} else {
			result.Output = coerced
		}
	}

	if !result.Success {
		e.emit(ctx, run, eventbus.TopicNodeFailed, node.ID, map[string]any{
			"error_kind": result.Error.Kind,
			"message":    result.Error.Message,
		})
		return result
	}

	e.emit(ctx, run, eventbus.TopicNodeCompleted, node.ID, map[string]any{
		"output_digest": outputDigest(result.Output),
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return result
}

// applyShared settles a node from another caller's single-flight result.
func (e *Engine) applyShared(ctx context.Context, run *Run, node *blueprint.NodeSpec, result *NodeExecutionResult) {
	if result == nil {
		e.failNode(ctx, run, node, &NodeError{Kind: KindInternal, Message: "shared computation produced no result"})
		return
	}
	if !result.Success {
		e.failNode(ctx, run, node, result.Error)
		return
	}
	run.setOutput(node.ID, result.Output)
	run.setStatus(node.ID, nodeStatusCached)
	e.metrics.NodesCached.Inc()
	e.emit(ctx, run, eventbus.TopicNodeCached, node.ID, nil)
}

// dispatchWithRetry runs the executor under the per-node timeout and the
// retry policy.
func (e *Engine) dispatchWithRetry(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs, snapshot map[string]any) *NodeExecutionResult {
	executor, exists := e.executors[node.Type]
	if !exists {
		return Fail(KindValidation, fmt.Sprintf("no executor for node type %q", node.Type), false)
	}

	timeout := e.cfg.NodeTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}
	if node.Type == blueprint.NodeTypeHuman {
		// Human waits manage their own approval windows; only the
		// workflow deadline bounds them.
		timeout = e.cfg.WorkflowTimeout
	}

	attempts := node.Retries + 1
	var result *NodeExecutionResult

	for attempt := 0; attempt < attempts; attempt++ {
		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		result = executor.Execute(nodeCtx, run, node, inputs, snapshot)
		timedOut := errors.Is(nodeCtx.Err(), context.DeadlineExceeded)
		cancel()

		if result == nil {
			result = Fail(KindInternal, "executor returned no result", false)
		}
		if !result.Success && timedOut && result.Error.Kind != KindTimeout {
			result = Fail(KindTimeout, fmt.Sprintf("node timed out after %s", timeout), true)
		}

		if result.Success || !result.Error.Retriable || attempt == attempts-1 {
			break
		}
		if err := e.backoff(ctx, attempt); err != nil {
			break
		}
	}

	return result
}

// backoff sleeps base*2^attempt, capped, unless the context ends first.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	delay := e.cfg.RetryBaseDelay << uint(attempt)
	if delay > e.cfg.RetryMaxDelay {
		delay = e.cfg.RetryMaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) failNode(ctx context.Context, run *Run, node *blueprint.NodeSpec, nodeErr *NodeError) {
	run.recordFailure(node.ID, nodeErr)
	if nodeErr.Kind == KindBudget {
		run.setBudgetError(nodeErr)
	}
	e.metrics.NodesFailed.Inc()
	e.emit(ctx, run, eventbus.TopicNodeFailed, node.ID, map[string]any{
		"error_kind": nodeErr.Kind,
		"message":    nodeErr.Message,
	})
}

// cacheEligible reports whether a node's results may be cached: the node
// opts in, the cache is enabled, and the work is deterministic.
func (e *Engine) cacheEligible(node *blueprint.NodeSpec) bool {
	if !node.UseCache || !e.cacheCfg.Enabled {
		return false
	}

	switch node.Type {
	case blueprint.NodeTypeTool:
		inst, err := e.registry.GetInstance(registry.SpaceTool, node.ToolName)
		if err != nil {
			return false
		}
		t, ok := inst.(tool.Tool)
		return ok && t.IsDeterministic()
	case blueprint.NodeTypeCode, blueprint.NodeTypeCondition:
		return true
	default:
		return false
	}
}

// emit publishes an event and appends it to the execution record.
func (e *Engine) emit(ctx context.Context, run *Run, topic, nodeID string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	if nodeID != "" {
		payload["node_id"] = nodeID
	}

	env := eventbus.Envelope{
		Topic:   topic,
		RunID:   run.ID,
		NodeID:  nodeID,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	e.bus.Publish(env)
	if err := e.store.AppendEvent(ctx, run.recordID, env); err != nil {
		e.log.Warn("failed to persist event", "topic", topic, "error", err)
	}
}

// Fingerprint derives the cache key from node identity, resolved inputs,
// and the node's configuration.
func Fingerprint(node *blueprint.NodeSpec, inputs map[string]any) (string, error) {
	payload := struct {
		NodeID string              `json:"node_id"`
		Inputs map[string]any      `json:"inputs"`
		Config *blueprint.NodeSpec `json:"config"`
	}{NodeID: node.ID, Inputs: inputs, Config: node}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint node %s: %w", node.ID, err)
	}
	sum := sha256.Sum256(data)
	return "node:" + hex.EncodeToString(sum[:]), nil
}

func outputDigest(output map[string]any) string {
	data, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
