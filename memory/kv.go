package memory

import (
	"strings"
	"sync"
	"time"
)

type kvRecord struct {
	entry     *Entry
	expiresAt time.Time // zero means no expiry
}

// KVTier is an in-process memory tier with optional TTL. It backs the
// working tier (short TTL, conversation state), the procedural tier
// (durable patterns), and the episodic tier when no key-value store is
// configured.
type KVTier struct {
	defaultTTL time.Duration
	maxTTL     time.Duration

	mu      sync.RWMutex
	records map[string]map[string]*kvRecord // partition -> key -> record
}

// NewKVTier creates a tier. maxTTL of zero means entries never expire.
func NewKVTier(defaultTTL, maxTTL time.Duration) *KVTier {
	return &KVTier{
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		records:    make(map[string]map[string]*kvRecord),
	}
}

// NewWorkingMemory creates the working tier: ephemeral, TTL capped at
// thirty minutes.
func NewWorkingMemory(ttl time.Duration) *KVTier {
	if ttl <= 0 || ttl > 30*time.Minute {
		ttl = 30 * time.Minute
	}
	return NewKVTier(ttl, 30*time.Minute)
}

// NewProceduralMemory creates the procedural tier: durable, keyed by
// task signature.
func NewProceduralMemory() *KVTier {
	return NewKVTier(0, 0)
}

// Store writes an entry under the caller's partition.
func (t *KVTier) Store(id Identity, scope, key, content string, meta map[string]any) error {
	if err := id.Validate(); err != nil {
		return err
	}

	entry := &Entry{
		Scope:       scope,
		Key:         key,
		Content:     content,
		ContentHash: ContentHash(content),
		Meta:        meta,
		OrgID:       id.OrgID,
		UserID:      id.UserID,
		CreatedAt:   time.Now().UTC(),
	}

	var expires time.Time
	if t.defaultTTL > 0 {
		expires = entry.CreatedAt.Add(t.defaultTTL)
	}

	part := partition(id, scope)

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, exists := t.records[part]
	if !exists {
		bucket = make(map[string]*kvRecord)
		t.records[part] = bucket
	}
	bucket[key] = &kvRecord{entry: entry, expiresAt: expires}
	return nil
}

// Retrieve returns the entry under the caller's partition, if any.
func (t *KVTier) Retrieve(id Identity, scope, key string) (*Entry, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}

	part := partition(id, scope)

	t.mu.RLock()
	rec, exists := t.records[part][key]
	t.mu.RUnlock()

	if !exists || expired(rec) {
		return nil, false, nil
	}
	return rec.entry, true, nil
}

// Search is substring match over content within the caller's partition.
func (t *KVTier) Search(id Identity, scope, query string, k int) ([]*Entry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	part := partition(id, scope)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Entry
	for _, rec := range t.records[part] {
		if expired(rec) {
			continue
		}
		if query == "" || strings.Contains(rec.entry.Content, query) {
			out = append(out, rec.entry)
			if k > 0 && len(out) >= k {
				break
			}
		}
	}
	return out, nil
}

// Delete removes one entry; reports whether it existed.
func (t *KVTier) Delete(id Identity, scope, key string) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}

	part := partition(id, scope)

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.records[part][key]
	if !exists || expired(rec) {
		return false, nil
	}
	delete(t.records[part], key)
	return true, nil
}

// Clear removes entries matching the pattern and returns the count.
func (t *KVTier) Clear(id Identity, scope, pattern string) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}

	part := partition(id, scope)

	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for key, rec := range t.records[part] {
		if expired(rec) {
			delete(t.records[part], key)
			continue
		}
		if matchPattern(pattern, key) {
			delete(t.records[part], key)
			count++
		}
	}
	return count, nil
}

func expired(rec *kvRecord) bool {
	return !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt)
}
