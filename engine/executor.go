package engine

import (
	"context"

	"github.com/praxis-ai/praxis/blueprint"
)

// Executor runs one kind of node. It receives the resolved inputs and an
// immutable snapshot of the execution context; all shared-state writes
// go through the engine.
type Executor interface {
	Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult
}

// buildExecutors wires the dispatch table for the built-in node kinds.
func (e *Engine) buildExecutors() map[string]Executor {
	return map[string]Executor{
		blueprint.NodeTypeTool:      &toolExecutor{engine: e},
		blueprint.NodeTypeLLM:       &llmExecutor{engine: e},
		blueprint.NodeTypeCondition: &conditionExecutor{engine: e},
		blueprint.NodeTypeLoop:      &loopExecutor{engine: e},
		blueprint.NodeTypeParallel:  &parallelExecutor{engine: e},
		blueprint.NodeTypeWorkflow:  &workflowExecutor{engine: e},
		blueprint.NodeTypeCode:      &codeExecutor{engine: e},
		blueprint.NodeTypeAgent:     &agentExecutor{engine: e},
		blueprint.NodeTypeHuman:     &humanExecutor{engine: e},
		blueprint.NodeTypeMonitor:   &monitorExecutor{engine: e},
	}
}
