package engine

import (
	"context"

	"github.com/praxis-ai/praxis/blueprint"
)

// conditionExecutor evaluates the node's boolean expression over the
// execution context.
type conditionExecutor struct {
	engine *Engine
}

func (x *conditionExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	result, err := x.engine.conditions.Evaluate(node.Expression, execCtx)
	if err != nil {
		return Fail(KindCondition, err.Error(), false)
	}
	return Succeed(map[string]any{"result": result})
}
