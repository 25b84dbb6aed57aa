package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/llm"
)

// llmExecutor renders the prompt against the context, routes the request
// through the provider service, and accounts tokens toward the run's
// ceiling.
type llmExecutor struct {
	engine *Engine
}

func (x *llmExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	// Prompt templates see the execution context shadowed by this node's
	// resolved inputs.
	namespace := make(map[string]any, len(execCtx)+len(inputs))
	for k, v := range execCtx {
		namespace[k] = v
	}
	for k, v := range inputs {
		namespace[k] = v
	}

	prompt, err := x.engine.resolver.Render(node.ID, node.Prompt, namespace)
	if err != nil {
		return Fail(KindContext, err.Error(), false)
	}

	params, err := node.DecodeLLMParams()
	if err != nil {
		return Fail(KindValidation, err.Error(), false)
	}

	req := llm.Request{
		Model:       node.Model,
		Prompt:      prompt,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		TopP:        params.TopP,
	}

	resp, err := x.engine.llm.Complete(ctx, node.Provider, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Fail(KindTimeout, err.Error(), true)
		}
		var pe *llm.ProviderError
		if errors.As(err, &pe) {
			return Fail(KindProvider, pe.Message, pe.Retriable)
		}
		return Fail(KindProvider, err.Error(), true)
	}

	x.engine.metrics.TokensTotal.Add(float64(resp.Usage.TotalTokens))
	total := run.addTokens(resp.Usage.TotalTokens)
	if ceiling := x.engine.cfg.TokenCeiling; ceiling > 0 && total > ceiling {
		return Fail(KindBudget, fmt.Sprintf("token ceiling exceeded: %d > %d", total, ceiling), false)
	}

	return Succeed(map[string]any{
		"text":     resp.Text,
		"response": resp.Text,
		"prompt":   prompt,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	})
}
