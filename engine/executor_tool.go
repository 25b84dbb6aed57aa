package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/registry"
	"github.com/praxis-ai/praxis/tool"
)

// toolExecutor resolves a registered tool and invokes it with the
// resolved kwargs. Tools get a fresh instance per invocation.
type toolExecutor struct {
	engine *Engine
}

func (x *toolExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	inst, err := x.engine.registry.GetInstance(registry.SpaceTool, node.ToolName)
	if err != nil {
		return Fail(KindTool, fmt.Sprintf("failed to resolve tool %q: %v", node.ToolName, err), false)
	}

	t, ok := inst.(tool.Tool)
	if !ok {
		return Fail(KindTool, fmt.Sprintf("registered entry %q is not a tool", node.ToolName), false)
	}

	output, err := tool.Invoke(ctx, t, inputs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Fail(KindTimeout, err.Error(), true)
		}
		var te *tool.Error
		if errors.As(err, &te) {
			return Fail(KindTool, te.Message, te.Retriable)
		}
		return Fail(KindTool, err.Error(), false)
	}

	return Succeed(output)
}
