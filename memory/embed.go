package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
	Dimension() int
}

// OpenAIEmbedder produces embeddings through the OpenAI API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder creates an embedder for the given model and expected
// dimension.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dim int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dim:    dim,
	}
}

// ModelVersion returns the embedding model id.
func (e *OpenAIEmbedder) ModelVersion() string { return e.model }

// Dimension returns the expected vector dimension.
func (e *OpenAIEmbedder) Dimension() int { return e.dim }

// Embed requests one embedding.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response is empty")
	}

	vec := resp.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, fmt.Errorf("%w: model returned %d, store dimension is %d", ErrDimensionMismatch, len(vec), e.dim)
	}
	return vec, nil
}

// HashEmbedder derives deterministic pseudo-embeddings from content
// hashes. It backs offline development and tests; identical text always
// maps to the identical vector.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a deterministic embedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

// ModelVersion identifies the deterministic scheme.
func (e *HashEmbedder) ModelVersion() string { return "hash-v1" }

// Dimension returns the vector dimension.
func (e *HashEmbedder) Dimension() int { return e.dim }

// Embed expands the sha256 of the text into dim unit-interval floats.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	seed := sha256.Sum256([]byte(text))

	block := seed[:]
	for i := 0; i < e.dim; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		vec[i] = float32(bits%10000) / 10000
	}

	// Normalize so cosine scores stay in a sane range.
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		n := float32(math.Sqrt(sum))
		for i := range vec {
			vec[i] /= n
		}
	}

	return vec, nil
}
