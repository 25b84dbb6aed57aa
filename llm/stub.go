package llm

import (
	"context"
)

// StubProvider echoes its prompt back as the completion. It serves
// offline development and the deterministic execution tests.
type StubProvider struct {
	counter *TokenCounter
}

// NewStubProvider creates an echo provider.
func NewStubProvider() *StubProvider {
	counter, err := NewTokenCounter("gpt-4o-mini")
	if err != nil {
		counter = nil
	}
	return &StubProvider{counter: counter}
}

// Name returns the provider id used in node specs.
func (p *StubProvider) Name() string { return "stub" }

// Complete returns the rendered prompt as the response text with a real
// token count when the encoding is available.
func (p *StubProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: err.Error(), Retriable: false}
	}

	count := EstimateTokens(req.Prompt)
	if p.counter != nil {
		count = p.counter.Count(req.Prompt)
	}

	return &Response{
		Text: req.Prompt,
		Usage: Usage{
			PromptTokens:     count,
			CompletionTokens: count,
			TotalTokens:      count * 2,
		},
	}, nil
}
