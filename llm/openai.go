package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider serves completions through the OpenAI chat API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates an OpenAI provider. baseURL overrides the API
// endpoint for compatible gateways; empty uses the default.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4oMini
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}
}

// Name returns the provider id used in node specs.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete issues one chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.TopP > 0 {
		apiReq.TopP = float32(req.TopP)
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, p.classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Message: "completion returned no choices"}
	}

	return &Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// classify maps SDK errors onto the retriable taxonomy.
func (p *OpenAIProvider) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Provider: p.Name(), Message: "request timed out", Retriable: true}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   p.Name(),
			Message:    fmt.Sprintf("api error: %v", apiErr.Message),
			StatusCode: apiErr.HTTPStatusCode,
			Retriable:  RetriableStatus(apiErr.HTTPStatusCode),
		}
	}

	// Transport-level failures (connection reset, DNS) are transient.
	return &ProviderError{Provider: p.Name(), Message: err.Error(), Retriable: true}
}
