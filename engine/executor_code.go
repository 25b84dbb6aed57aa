package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/registry"
	"github.com/praxis-ai/praxis/tool"
)

// codeExecutor resolves a registered code factory and runs it. Factories
// return either a Tool, executed in-process, or a *Script, which always
// goes through the resource sandbox.
type codeExecutor struct {
	engine *Engine
}

func (x *codeExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	inst, err := x.engine.registry.GetInstance(registry.SpaceCode, node.FactoryName)
	if err != nil {
		return Fail(KindSandbox, fmt.Sprintf("failed to resolve code factory %q: %v", node.FactoryName, err), false)
	}

	switch impl := inst.(type) {
	case *tool.Script:
		return x.runScript(ctx, node, impl, inputs)
	case tool.Tool:
		output, err := tool.Invoke(ctx, impl, inputs)
		if err != nil {
			var te *tool.Error
			if errors.As(err, &te) {
				return Fail(KindTool, te.Message, te.Retriable)
			}
			return Fail(KindTool, err.Error(), false)
		}
		return Succeed(output)
	default:
		return Fail(KindSandbox, fmt.Sprintf("code factory %q returned unsupported type %T", node.FactoryName, inst), false)
	}
}

func (x *codeExecutor) runScript(ctx context.Context, node *blueprint.NodeSpec, script *tool.Script, inputs map[string]any) *NodeExecutionResult {
	if !node.SandboxEnabled() {
		return Fail(KindSandbox, "script execution requires the sandbox; sandbox=false is only valid for in-process factories", false)
	}

	language := script.Language
	if node.Language != "" {
		language = node.Language
	}

	// Node-level imports narrow the script's declared allowlist.
	imports := script.Imports
	if len(node.Imports) > 0 {
		imports = node.Imports
	}

	output, err := x.engine.sandbox.RunScript(ctx, language, script.Source, imports, inputs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Fail(KindTimeout, err.Error(), true)
		}
		var se *tool.SandboxError
		if errors.As(err, &se) {
			return Fail(KindSandbox, se.Message, false)
		}
		return Fail(KindSandbox, err.Error(), false)
	}

	return Succeed(output)
}
