package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrDimensionMismatch is raised when a vector's length differs from the
// store's configured dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Match is one vector query hit.
type Match struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// Index is the vector store contract: cosine similarity, fixed
// dimension, stable tie ordering by key ascending.
type Index interface {
	Upsert(ctx context.Context, scope, key string, vector []float32, modelVersion string) error
	Query(ctx context.Context, scope string, vector []float32, k int) ([]Match, error)
	Delete(ctx context.Context, scope, key string) error
	Dimension() int
}

type indexedVector struct {
	vector       []float32
	norm         float64
	modelVersion string
}

// InMemoryIndex is the default vector backend.
type InMemoryIndex struct {
	dim    int
	mu     sync.RWMutex
	scopes map[string]map[string]indexedVector
}

// NewInMemoryIndex creates an index with a fixed dimension.
func NewInMemoryIndex(dim int) *InMemoryIndex {
	return &InMemoryIndex{
		dim:    dim,
		scopes: make(map[string]map[string]indexedVector),
	}
}

// Dimension returns the configured vector dimension.
func (ix *InMemoryIndex) Dimension() int { return ix.dim }

// Upsert stores a vector under (scope, key).
func (ix *InMemoryIndex) Upsert(ctx context.Context, scope, key string, vector []float32, modelVersion string) error {
	if len(vector) != ix.dim {
		return fmt.Errorf("%w: got %d, store dimension is %d", ErrDimensionMismatch, len(vector), ix.dim)
	}

	stored := make([]float32, len(vector))
	copy(stored, vector)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	bucket, exists := ix.scopes[scope]
	if !exists {
		bucket = make(map[string]indexedVector)
		ix.scopes[scope] = bucket
	}
	bucket[key] = indexedVector{vector: stored, norm: norm(stored), modelVersion: modelVersion}
	return nil
}

// Query returns the k nearest vectors in a scope by cosine similarity.
// Ties are broken by key ascending.
func (ix *InMemoryIndex) Query(ctx context.Context, scope string, vector []float32, k int) ([]Match, error) {
	if len(vector) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, store dimension is %d", ErrDimensionMismatch, len(vector), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	bucket := ix.scopes[scope]
	matches := make([]Match, 0, len(bucket))
	for key, iv := range bucket {
		matches = append(matches, Match{Key: key, Score: cosine(vector, queryNorm, iv)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Delete removes a vector. Missing keys are a no-op.
func (ix *InMemoryIndex) Delete(ctx context.Context, scope, key string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if bucket, exists := ix.scopes[scope]; exists {
		delete(bucket, key)
	}
	return nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(query []float32, queryNorm float64, iv indexedVector) float64 {
	if queryNorm == 0 || iv.norm == 0 {
		return 0
	}
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(iv.vector[i])
	}
	return dot / (queryNorm * iv.norm)
}
