package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/praxis-ai/praxis/agent"
	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/memory"
	"github.com/praxis-ai/praxis/registry"
	"github.com/praxis-ai/praxis/tool"
)

// defaultAgentIterations bounds the think loop when the node declares no
// max_iterations of its own.
const defaultAgentIterations = 10

// agentExecutor drives a registered agent's think loop: each step either
// invokes an allowed tool or finishes with an output.
type agentExecutor struct {
	engine *Engine
}

func (x *agentExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	inst, err := x.engine.registry.GetInstance(registry.SpaceAgent, node.AgentName)
	if err != nil {
		return Fail(KindValidation, fmt.Sprintf("failed to resolve agent %q: %v", node.AgentName, err), false)
	}
	ag, ok := inst.(agent.Agent)
	if !ok {
		return Fail(KindValidation, fmt.Sprintf("registered entry %q is not an agent", node.AgentName), false)
	}

	maxIterations := node.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultAgentIterations
	}

	allowed := make(map[string]bool, len(node.AllowedTools))
	for _, name := range node.AllowedTools {
		allowed[name] = true
	}

	state := &agent.State{
		Inputs:       inputs,
		SystemPrompt: node.SystemPrompt,
		AllowedTools: node.AllowedTools,
	}

	for state.Iteration = 0; state.Iteration < maxIterations; state.Iteration++ {
		if err := ctx.Err(); err != nil {
			return Fail(KindCancelled, err.Error(), false)
		}
		if ceiling := x.engine.cfg.TokenCeiling; ceiling > 0 && run.TokensUsed() > ceiling {
			return Fail(KindBudget, fmt.Sprintf("token ceiling exceeded during agent loop: %d > %d", run.TokensUsed(), ceiling), false)
		}

		action, err := ag.Think(ctx, state)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Fail(KindTimeout, err.Error(), true)
			}
			return Fail(KindProvider, fmt.Sprintf("agent %q think failed: %v", node.AgentName, err), true)
		}

		if action.Done {
			x.persist(run, node, state, action.Output)
			return Succeed(map[string]any{
				"output":     action.Output,
				"iterations": state.Iteration + 1,
			})
		}

		// allowed_tools is enforced on every step, not just the first.
		if len(allowed) > 0 && !allowed[action.Tool] {
			return Fail(KindTool, fmt.Sprintf("agent %q requested tool %q outside allowed_tools", node.AgentName, action.Tool), false)
		}

		observation := agent.Observation{Tool: action.Tool, Inputs: action.Inputs}
		output, terr := x.invokeTool(ctx, action.Tool, action.Inputs)
		if terr != nil {
			observation.Err = terr.Error()
		} else {
			observation.Output = output
		}
		state.Observations = append(state.Observations, observation)
	}

	return Fail(KindValidation, fmt.Sprintf("agent %q did not finish within %d iterations", node.AgentName, maxIterations), false)
}

func (x *agentExecutor) invokeTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	inst, err := x.engine.registry.GetInstance(registry.SpaceTool, name)
	if err != nil {
		return nil, err
	}
	t, ok := inst.(tool.Tool)
	if !ok {
		return nil, fmt.Errorf("registered entry %q is not a tool", name)
	}
	return tool.Invoke(ctx, t, args)
}

// persist writes the finished trajectory into the node's declared memory
// scopes. Failures are logged, not fatal: memory is advisory for agents.
func (x *agentExecutor) persist(run *Run, node *blueprint.NodeSpec, state *agent.State, output map[string]any) {
	if len(node.MemoryScopes) == 0 || x.engine.mem == nil {
		return
	}

	record, err := json.Marshal(map[string]any{
		"agent":        node.AgentName,
		"iterations":   state.Iteration + 1,
		"observations": state.Observations,
		"output":       output,
	})
	if err != nil {
		return
	}

	key := fmt.Sprintf("agent:%s:%s", node.ID, run.ID)
	for _, scope := range node.MemoryScopes {
		tier, err := x.engine.mem.TierByName(scope)
		if err != nil {
			x.engine.log.Warn("unknown agent memory scope", "scope", scope, "agent", node.AgentName)
			continue
		}
		if err := tier.Store(run.Identity, memory.ScopeSession, key, string(record), map[string]any{"node_id": node.ID}); err != nil {
			x.engine.log.Warn("failed to persist agent trajectory", "scope", scope, "error", err)
		}
	}
}
