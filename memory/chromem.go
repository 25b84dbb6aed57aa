package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex is a vector Index backed by chromem-go, with optional
// file persistence. One chromem collection backs each scope.
type ChromemIndex struct {
	db          *chromem.DB
	dim         int
	persistPath string

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex creates a chromem-backed index. An empty persistPath
// keeps vectors in memory only.
func NewChromemIndex(dim int, persistPath string) (*ChromemIndex, error) {
	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vector persist directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector database: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemIndex{
		db:          db,
		dim:         dim,
		persistPath: persistPath,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// Dimension returns the configured vector dimension.
func (ix *ChromemIndex) Dimension() int { return ix.dim }

func (ix *ChromemIndex) collection(scope string) (*chromem.Collection, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if col, exists := ix.collections[scope]; exists {
		return col, nil
	}

	// Vectors are pre-computed; the embedding func must never run.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding requested for pre-computed vector store")
	}

	col, err := ix.db.GetOrCreateCollection(scope, nil, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", scope, err)
	}
	ix.collections[scope] = col
	return col, nil
}

// Upsert stores a vector document under (scope, key).
func (ix *ChromemIndex) Upsert(ctx context.Context, scope, key string, vector []float32, modelVersion string) error {
	if len(vector) != ix.dim {
		return fmt.Errorf("%w: got %d, store dimension is %d", ErrDimensionMismatch, len(vector), ix.dim)
	}

	col, err := ix.collection(scope)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        key,
		Metadata:  map[string]string{"model_version": modelVersion},
		Embedding: vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

// Query returns the k nearest documents in a scope, ties broken by key.
func (ix *ChromemIndex) Query(ctx context.Context, scope string, vector []float32, k int) ([]Match, error) {
	if len(vector) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, store dimension is %d", ErrDimensionMismatch, len(vector), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	col, err := ix.collection(scope)
	if err != nil {
		return nil, err
	}

	if count := col.Count(); count < k {
		k = count
	}
	if k == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{Key: r.ID, Score: float64(r.Similarity)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	return matches, nil
}

// Delete removes one document from a scope.
func (ix *ChromemIndex) Delete(ctx context.Context, scope, key string) error {
	col, err := ix.collection(scope)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, key); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}
