package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProtectedPrefix marks semantic keys the decay pass never deletes.
const ProtectedPrefix = "summary:"

// SemanticMemory is the durable vectorized tier: entries are embedded on
// write, deduplicated by content hash within an org, and searched by
// cosine similarity.
type SemanticMemory struct {
	embedder Embedder
	index    Index

	mu      sync.RWMutex
	entries map[string]map[string]*Entry // partition -> key -> entry
	hashes  map[string]string            // org_id + content_hash -> partition:key
}

// NewSemanticMemory creates the semantic tier over an embedder and a
// vector index. Their dimensions must agree.
func NewSemanticMemory(embedder Embedder, index Index) (*SemanticMemory, error) {
	if embedder.Dimension() != index.Dimension() {
		return nil, fmt.Errorf("%w: embedder produces %d, index expects %d",
			ErrDimensionMismatch, embedder.Dimension(), index.Dimension())
	}
	return &SemanticMemory{
		embedder: embedder,
		index:    index,
		entries:  make(map[string]map[string]*Entry),
		hashes:   make(map[string]string),
	}, nil
}

func hashKey(orgID, contentHash string) string {
	return orgID + ":" + contentHash
}

// Store embeds and upserts an entry. Content already present in the org
// (same content hash) is not stored twice; the existing entry stays
// authoritative unless the write targets the same key.
func (t *SemanticMemory) Store(id Identity, scope, key, content string, meta map[string]any) error {
	if err := id.Validate(); err != nil {
		return err
	}

	part := partition(id, scope)
	contentHash := ContentHash(content)

	t.mu.Lock()
	if existing, dup := t.hashes[hashKey(id.OrgID, contentHash)]; dup && existing != part+":"+key {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	vector, err := t.embedder.Embed(context.Background(), content)
	if err != nil {
		return err
	}
	if err := t.index.Upsert(context.Background(), part, key, vector, t.embedder.ModelVersion()); err != nil {
		return err
	}

	entry := &Entry{
		Scope:       scope,
		Key:         key,
		Content:     content,
		ContentHash: contentHash,
		Meta:        meta,
		OrgID:       id.OrgID,
		UserID:      id.UserID,
		CreatedAt:   time.Now().UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, exists := t.entries[part]
	if !exists {
		bucket = make(map[string]*Entry)
		t.entries[part] = bucket
	}
	if old, exists := bucket[key]; exists {
		delete(t.hashes, hashKey(id.OrgID, old.ContentHash))
	}
	bucket[key] = entry
	t.hashes[hashKey(id.OrgID, contentHash)] = part + ":" + key
	return nil
}

// Retrieve returns one entry by key within the caller's partition.
func (t *SemanticMemory) Retrieve(id Identity, scope, key string) (*Entry, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}

	part := partition(id, scope)

	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, exists := t.entries[part][key]
	if !exists {
		return nil, false, nil
	}
	return entry, true, nil
}

// Search embeds the query and returns the k most similar entries in the
// caller's partition.
func (t *SemanticMemory) Search(id Identity, scope, query string, k int) ([]*Entry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}

	vector, err := t.embedder.Embed(context.Background(), query)
	if err != nil {
		return nil, err
	}

	part := partition(id, scope)
	matches, err := t.index.Query(context.Background(), part, vector, k)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Entry, 0, len(matches))
	for _, m := range matches {
		if entry, exists := t.entries[part][m.Key]; exists {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Delete removes one entry and its vector.
func (t *SemanticMemory) Delete(id Identity, scope, key string) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}

	part := partition(id, scope)

	t.mu.Lock()
	entry, exists := t.entries[part][key]
	if exists {
		delete(t.entries[part], key)
		delete(t.hashes, hashKey(id.OrgID, entry.ContentHash))
	}
	t.mu.Unlock()

	if !exists {
		return false, nil
	}
	if err := t.index.Delete(context.Background(), part, key); err != nil {
		return true, err
	}
	return true, nil
}

// Clear removes entries matching the pattern and their vectors.
func (t *SemanticMemory) Clear(id Identity, scope, pattern string) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}

	part := partition(id, scope)

	t.mu.Lock()
	var doomed []string
	for key := range t.entries[part] {
		if matchPattern(pattern, key) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		delete(t.hashes, hashKey(id.OrgID, t.entries[part][key].ContentHash))
		delete(t.entries[part], key)
	}
	t.mu.Unlock()

	for _, key := range doomed {
		if err := t.index.Delete(context.Background(), part, key); err != nil {
			return len(doomed), err
		}
	}
	return len(doomed), nil
}

// Decay deletes entries older than ttlDays, sparing protected keys. It
// returns the number of entries removed.
func (t *SemanticMemory) Decay(ttlDays int) (int, error) {
	if ttlDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -ttlDays)

	type doomedEntry struct {
		part string
		key  string
	}

	t.mu.Lock()
	var doomed []doomedEntry
	for part, bucket := range t.entries {
		for key, entry := range bucket {
			if strings.HasPrefix(key, ProtectedPrefix) {
				continue
			}
			if entry.CreatedAt.Before(cutoff) {
				doomed = append(doomed, doomedEntry{part: part, key: key})
			}
		}
	}
	for _, d := range doomed {
		entry := t.entries[d.part][d.key]
		delete(t.hashes, hashKey(entry.OrgID, entry.ContentHash))
		delete(t.entries[d.part], d.key)
	}
	t.mu.Unlock()

	for _, d := range doomed {
		if err := t.index.Delete(context.Background(), d.part, d.key); err != nil {
			return len(doomed), err
		}
	}
	return len(doomed), nil
}
