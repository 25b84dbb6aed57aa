package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/praxis-ai/praxis/llm"
)

// LLMAgent plans by prompting a provider for a JSON action on every
// think step.
type LLMAgent struct {
	name     string
	provider string
	model    string
	service  *llm.Service
}

// NewLLMAgent creates an LLM-backed agent.
func NewLLMAgent(name, provider, model string, service *llm.Service) *LLMAgent {
	return &LLMAgent{name: name, provider: provider, model: model, service: service}
}

// Name returns the agent's registered name.
func (a *LLMAgent) Name() string { return a.name }

// Think renders the planning prompt, asks the provider, and decodes the
// returned JSON action.
func (a *LLMAgent) Think(ctx context.Context, state *State) (*Action, error) {
	prompt, err := a.buildPrompt(state)
	if err != nil {
		return nil, err
	}

	resp, err := a.service.Complete(ctx, a.provider, llm.Request{
		Model:  a.model,
		System: state.SystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	return parseAction(resp.Text)
}

func (a *LLMAgent) buildPrompt(state *State) (string, error) {
	var b strings.Builder

	b.WriteString("You plan one step at a time. Respond with a single JSON object:\n")
	b.WriteString(`either {"tool": "<name>", "inputs": {...}} to act, or {"done": true, "output": {...}} to finish.`)
	b.WriteString("\n\nAvailable tools: ")
	b.WriteString(strings.Join(state.AllowedTools, ", "))

	inputs, err := json.Marshal(state.Inputs)
	if err != nil {
		return "", fmt.Errorf("failed to encode agent inputs: %w", err)
	}
	b.WriteString("\n\nTask inputs: ")
	b.Write(inputs)

	if len(state.Observations) > 0 {
		obs, err := json.Marshal(state.Observations)
		if err != nil {
			return "", fmt.Errorf("failed to encode observations: %w", err)
		}
		b.WriteString("\n\nObservations so far: ")
		b.Write(obs)
	}

	b.WriteString(fmt.Sprintf("\n\nThis is step %d.", state.Iteration+1))
	return b.String(), nil
}

// parseAction extracts the first JSON object from the completion text.
func parseAction(text string) (*Action, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("agent response contains no JSON action")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("agent response is not valid JSON: %w", err)
	}

	return DecodeAction(raw)
}
