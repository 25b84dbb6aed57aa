package engine

import (
	"context"
	"fmt"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/common/eventbus"
	"github.com/praxis-ai/praxis/compiler"
	"github.com/praxis-ai/praxis/resolver"
)

// workflowExecutor runs a referenced blueprint as a nested invocation
// sharing the parent's event stream under a prefixed run id. Token
// accounting and the budget flag stay on the root run.
type workflowExecutor struct {
	engine *Engine
}

func (x *workflowExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	depth := run.Depth + 1
	if limit := x.engine.cfg.MaxNestedDepth; limit > 0 && depth > limit {
		return Fail(KindValidation, fmt.Sprintf("nested workflow depth %d exceeds limit %d", depth, limit), false)
	}

	sub, err := x.engine.blueprints.Get(ctx, node.WorkflowRef)
	if err != nil {
		return Fail(KindValidation, fmt.Sprintf("failed to resolve workflow %q: %v", node.WorkflowRef, err), false)
	}

	compiled, err := compiler.Compile(sub, compiler.Options{
		Registry:      x.engine.registry,
		AllowedModels: x.engine.cfg.AllowedModels,
		BudgetCeiling: x.engine.cfg.BudgetCeiling,
		DepthCeiling:  x.engine.cfg.DepthCeiling,
	})
	if err != nil {
		return Fail(KindValidation, fmt.Sprintf("workflow %q is invalid: %v", node.WorkflowRef, err), false)
	}

	subInputs, err := x.scopedInputs(node, inputs, execCtx)
	if err != nil {
		return Fail(KindContext, err.Error(), false)
	}

	subRun := newRun(run.ID+":"+node.ID, sub, compiled.Graph, subInputs, run.Identity, depth)
	subRun.recordID = run.recordID
	subRun.parent = run

	x.engine.emit(ctx, subRun, eventbus.TopicWorkflowStarted, "", map[string]any{
		"blueprint_id": sub.ID,
		"node_count":   len(sub.Nodes),
	})

	if workflowErr := x.engine.runLevels(ctx, subRun); workflowErr != nil {
		x.engine.emit(ctx, subRun, eventbus.TopicWorkflowFailed, "", map[string]any{
			"error_kind": workflowErr.Kind,
			"message":    workflowErr.Message,
		})
		return &NodeExecutionResult{Success: false, Error: workflowErr}
	}

	x.engine.emit(ctx, subRun, eventbus.TopicWorkflowFinished, "", map[string]any{"success": true})

	outputs := subRun.outputsSnapshot()
	if len(node.ExposedOutputs) == 0 {
		return Succeed(outputs)
	}

	// Project only the declared paths out of the sub-run.
	projected := make(map[string]any, len(node.ExposedOutputs))
	for name, path := range node.ExposedOutputs {
		value, found := resolver.LookupPath(outputs, path)
		if !found {
			return Fail(KindContext, fmt.Sprintf("exposed output %q: path %q not found in workflow %q", name, path, node.WorkflowRef), false)
		}
		projected[name] = value
	}
	return Succeed(projected)
}

// scopedInputs builds the nested run's top-level inputs: the node's
// mapped inputs plus workflow_inputs with templates resolved.
func (x *workflowExecutor) scopedInputs(node *blueprint.NodeSpec, inputs, execCtx map[string]any) (map[string]any, error) {
	scoped := make(map[string]any, len(inputs)+len(node.WorkflowInputs))
	for k, v := range inputs {
		scoped[k] = v
	}

	namespace := make(map[string]any, len(execCtx)+len(inputs))
	for k, v := range execCtx {
		namespace[k] = v
	}
	for k, v := range inputs {
		namespace[k] = v
	}

	for key, raw := range node.WorkflowInputs {
		resolved, err := x.engine.resolver.ResolveValue(node.ID, raw, namespace)
		if err != nil {
			return nil, err
		}
		scoped[key] = resolved
	}

	return scoped, nil
}
