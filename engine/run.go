package engine

import (
	"sync"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/compiler"
	"github.com/praxis-ai/praxis/memory"
)

// Node statuses tracked per run.
const (
	nodeStatusPending   = "pending"
	nodeStatusRunning   = "running"
	nodeStatusCompleted = "completed"
	nodeStatusFailed    = "failed"
	nodeStatusSkipped   = "skipped"
	nodeStatusCached    = "cached"
)

// flight is one in-progress cache fingerprint within a run; duplicate
// fingerprints wait on done instead of recomputing.
type flight struct {
	done   chan struct{}
	result *NodeExecutionResult
}

// Run is the mutable state of one execution. The engine is the only
// writer; executors read through snapshots.
type Run struct {
	ID        string
	Blueprint *blueprint.Blueprint
	Graph     *compiler.Graph
	Identity  memory.Identity

	// Depth counts nested workflow invocations sharing this run's stream.
	Depth int

	// recordID is the root execution record; nested runs inherit it so
	// their events land on the parent's stream.
	recordID string

	// parent links a nested run to its invoker; token accounting and the
	// budget flag always live on the root run.
	parent *Run

	mu        sync.RWMutex
	outputs   map[string]any
	statuses  map[string]string
	failures  map[string]*NodeError
	tokens    int
	inflight  map[string]*flight
	budgetErr *NodeError
}

func newRun(id string, bp *blueprint.Blueprint, graph *compiler.Graph, inputs map[string]any, identity memory.Identity, depth int) *Run {
	outputs := map[string]any{"inputs": inputs}
	statuses := make(map[string]string, len(bp.Nodes))
	for _, n := range bp.Nodes {
		statuses[n.ID] = nodeStatusPending
	}
	return &Run{
		ID:        id,
		Blueprint: bp,
		Graph:     graph,
		Identity:  identity,
		Depth:     depth,
		outputs:   outputs,
		statuses:  statuses,
		failures:  make(map[string]*NodeError),
		inflight:  make(map[string]*flight),
	}
}

// Context returns a snapshot of node outputs plus the top-level inputs.
// Values are copied deep so an executor cannot mutate another node's
// published output through its snapshot.
func (r *Run) Context() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		snapshot[k] = cloneValue(v)
	}
	return snapshot
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Inputs returns the top-level execution inputs.
func (r *Run) Inputs() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inputs, _ := r.outputs["inputs"].(map[string]any)
	return inputs
}

func (r *Run) setOutput(nodeID string, output map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[nodeID] = output
}

func (r *Run) setStatus(nodeID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[nodeID] = status
}

func (r *Run) status(nodeID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[nodeID]
}

func (r *Run) recordFailure(nodeID string, nodeErr *NodeError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[nodeID] = nodeStatusFailed
	r.failures[nodeID] = nodeErr
}

// failedNodes returns the ids of nodes that failed so far.
func (r *Run) failedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id := range r.failures {
		out = append(out, id)
	}
	return out
}

func (r *Run) failure(nodeID string) *NodeError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failures[nodeID]
}

// root walks up to the top-level run.
func (r *Run) root() *Run {
	run := r
	for run.parent != nil {
		run = run.parent
	}
	return run
}

// addTokens accumulates LLM usage on the root run and returns the
// running total.
func (r *Run) addTokens(n int) int {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.tokens += n
	return root.tokens
}

// TokensUsed returns the running token total across nested runs.
func (r *Run) TokensUsed() int {
	root := r.root()
	root.mu.RLock()
	defer root.mu.RUnlock()
	return root.tokens
}

// setBudgetError records the first budget violation; later calls keep it.
func (r *Run) setBudgetError(nodeErr *NodeError) {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	if root.budgetErr == nil {
		root.budgetErr = nodeErr
	}
}

func (r *Run) budgetError() *NodeError {
	root := r.root()
	root.mu.RLock()
	defer root.mu.RUnlock()
	return root.budgetErr
}

// beginFlight claims a cache fingerprint. The second return is true when
// this caller owns the computation; otherwise the returned flight can be
// waited on for the shared result.
func (r *Run) beginFlight(fingerprint string) (*flight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, exists := r.inflight[fingerprint]; exists {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	r.inflight[fingerprint] = f
	return f, true
}

func (r *Run) endFlight(f *flight, result *NodeExecutionResult) {
	f.result = result
	close(f.done)
}

// outputsSnapshot returns only the node outputs, for the final record.
func (r *Run) outputsSnapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		if k == "inputs" {
			continue
		}
		out[k] = v
	}
	return out
}
