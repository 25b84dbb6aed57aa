package store

import (
	"context"
	"sort"
	"sync"

	"github.com/praxis-ai/praxis/common/eventbus"
)

// MemoryStore keeps execution records in process. It is the default
// backend for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ExecutionRecord
}

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*ExecutionRecord)}
}

// Create stores a new record.
func (s *MemoryStore) Create(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, ErrNotFound
	}
	clone := *rec
	clone.Events = append([]eventbus.Envelope(nil), rec.Events...)
	return &clone, nil
}

// List returns all records, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ExecutionRecord, 0, len(s.records))
	for _, rec := range s.records {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Transition atomically applies a status change.
func (s *MemoryStore) Transition(ctx context.Context, id, to string, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return ErrNotFound
	}
	return applyTransition(rec, to, update)
}

// AppendEvent adds one event to the record's log.
func (s *MemoryStore) AppendEvent(ctx context.Context, id string, env eventbus.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return ErrNotFound
	}
	rec.Events = append(rec.Events, env)
	return nil
}

// RecoverOrphans fails running executions left over from a previous
// process.
func (s *MemoryStore) RecoverOrphans(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.Status != StatusRunning {
			continue
		}
		if err := applyTransition(rec, StatusFailed, Update{
			Error: &ExecutionError{Kind: "Cancelled", Message: "restart"},
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
