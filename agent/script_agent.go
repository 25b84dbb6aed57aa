package agent

import (
	"context"
	"fmt"
)

// Step is one scripted action in a ScriptAgent plan.
type Step struct {
	Tool   string
	Inputs map[string]any
}

// ScriptAgent replays a fixed plan of tool calls, then finishes with the
// collected observations. It backs deterministic workflows and tests.
type ScriptAgent struct {
	name  string
	steps []Step
}

// NewScriptAgent creates an agent that performs the given steps in order.
func NewScriptAgent(name string, steps []Step) *ScriptAgent {
	return &ScriptAgent{name: name, steps: steps}
}

// Name returns the agent's registered name.
func (a *ScriptAgent) Name() string { return a.name }

// Think returns the next scripted step, or done once all steps ran.
func (a *ScriptAgent) Think(ctx context.Context, state *State) (*Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if state.Iteration >= len(a.steps) {
		output := map[string]any{"steps": len(a.steps)}
		if n := len(state.Observations); n > 0 {
			last := state.Observations[n-1]
			if last.Err != "" {
				return nil, fmt.Errorf("scripted step %d failed: %s", n, last.Err)
			}
			output["result"] = last.Output
		}
		return &Action{Done: true, Output: output}, nil
	}

	step := a.steps[state.Iteration]
	return &Action{Tool: step.Tool, Inputs: step.Inputs}, nil
}
