package llm

import (
	"context"
	"fmt"
)

// Request is one completion call.
type Request struct {
	Model       string
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Usage reports token consumption for budget accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a provider completion.
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Provider is the completion backend contract.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderError classifies a provider failure. Retriable failures are
// timeouts, rate limits, and 5xx responses; everything else is permanent.
type ProviderError struct {
	Provider   string
	Message    string
	StatusCode int
	Retriable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// RetriableStatus reports whether an HTTP status from a provider should
// trigger the engine retry loop.
func RetriableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	switch code {
	case 408, 429:
		return true
	}
	return false
}

// Service routes completion requests to named providers.
type Service struct {
	providers map[string]Provider
	fallback  string
}

// NewService creates a provider router. The first registered provider
// becomes the fallback for nodes that name none.
func NewService() *Service {
	return &Service{providers: make(map[string]Provider)}
}

// Register adds a provider under its name.
func (s *Service) Register(p Provider) {
	if s.fallback == "" {
		s.fallback = p.Name()
	}
	s.providers[p.Name()] = p
}

// Complete routes a request to the named provider, or the fallback when
// name is empty.
func (s *Service) Complete(ctx context.Context, name string, req Request) (*Response, error) {
	if name == "" {
		name = s.fallback
	}
	p, exists := s.providers[name]
	if !exists {
		return nil, &ProviderError{Provider: name, Message: "provider is not configured"}
	}
	return p.Complete(ctx, req)
}
