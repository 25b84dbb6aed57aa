package agent

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Observation is one tool result the agent has seen.
type Observation struct {
	Tool   string         `json:"tool"`
	Inputs map[string]any `json:"inputs"`
	Output map[string]any `json:"output"`
	Err    string         `json:"error,omitempty"`
}

// State holds what an agent sees on each think step.
type State struct {
	Inputs       map[string]any
	SystemPrompt string
	AllowedTools []string
	Observations []Observation
	Iteration    int
}

// Action is the agent's decision: either invoke a tool or finish with an
// output.
type Action struct {
	Tool   string         `json:"tool,omitempty" mapstructure:"tool"`
	Inputs map[string]any `json:"inputs,omitempty" mapstructure:"inputs"`
	Done   bool           `json:"done,omitempty" mapstructure:"done"`
	Output map[string]any `json:"output,omitempty" mapstructure:"output"`
}

// Validate rejects actions that are neither a tool call nor a finish.
func (a *Action) Validate() error {
	if a.Done {
		return nil
	}
	if a.Tool == "" {
		return fmt.Errorf("action names no tool and is not done")
	}
	return nil
}

// Agent plans one step at a time.
type Agent interface {
	Name() string
	Think(ctx context.Context, state *State) (*Action, error)
}

// DecodeAction converts a free-form map (from an LLM or a script) into a
// typed action.
func DecodeAction(raw map[string]any) (*Action, error) {
	action := &Action{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           action,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build action decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid agent action: %w", err)
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	return action, nil
}
