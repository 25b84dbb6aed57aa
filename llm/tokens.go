package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

// TokenCounter counts tokens for one model's encoding.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTokenCounter creates a counter for a model, falling back to the
// cl100k_base encoding for models tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingMu.RLock()
	cached, exists := encodingCache[model]
	encodingMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// Model returns the model this counter was built for.
func (tc *TokenCounter) Model() string { return tc.model }

// EstimateTokens is the fallback estimate when no counter is available,
// roughly four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}
