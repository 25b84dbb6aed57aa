package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a blueprint id is unknown.
var ErrNotFound = errors.New("blueprint not found")

// Store persists blueprint snapshots with optimistic concurrency. Create
// requires the LockNew sentinel; Update requires the current lock.
type Store interface {
	Create(ctx context.Context, bp *Blueprint, presentedLock string) (*Blueprint, error)
	Update(ctx context.Context, id string, bp *Blueprint, presentedLock string) (*Blueprint, error)
	Get(ctx context.Context, id string) (*Blueprint, error)
	List(ctx context.Context) ([]*Blueprint, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory blueprint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Create stores a new blueprint and returns it with id and lock assigned.
func (s *MemoryStore) Create(ctx context.Context, bp *Blueprint, presentedLock string) (*Blueprint, error) {
	if presentedLock == "" {
		return nil, ErrLockRequired
	}
	if presentedLock != LockNew {
		return nil, fmt.Errorf("%w: create requires %q", ErrVersionConflict, LockNew)
	}

	stored, err := withIdentity(bp, uuid.NewString())
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize blueprint: %w", err)
	}

	s.mu.Lock()
	s.data[stored.ID] = data
	s.mu.Unlock()

	return stored, nil
}

// Update replaces a blueprint when the presented lock matches.
func (s *MemoryStore) Update(ctx context.Context, id string, bp *Blueprint, presentedLock string) (*Blueprint, error) {
	if presentedLock == "" {
		return nil, ErrLockRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, exists := s.data[id]
	if !exists {
		return nil, ErrNotFound
	}

	var current Blueprint
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, fmt.Errorf("failed to decode stored blueprint: %w", err)
	}

	if current.VersionLock != presentedLock {
		return nil, ErrVersionConflict
	}

	stored, err := withIdentity(bp, id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize blueprint: %w", err)
	}

	s.data[id] = data
	return stored, nil
}

// Get returns a blueprint by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Blueprint, error) {
	s.mu.RLock()
	raw, exists := s.data[id]
	s.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}

	var bp Blueprint
	if err := json.Unmarshal(raw, &bp); err != nil {
		return nil, fmt.Errorf("failed to decode stored blueprint: %w", err)
	}
	return &bp, nil
}

// List returns all stored blueprints.
func (s *MemoryStore) List(ctx context.Context) ([]*Blueprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Blueprint, 0, len(s.data))
	for _, raw := range s.data {
		var bp Blueprint
		if err := json.Unmarshal(raw, &bp); err != nil {
			return nil, fmt.Errorf("failed to decode stored blueprint: %w", err)
		}
		out = append(out, &bp)
	}
	return out, nil
}

// Delete removes a blueprint by id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[id]; !exists {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

// withIdentity copies bp, assigns the id, and recomputes the lock.
func withIdentity(bp *Blueprint, id string) (*Blueprint, error) {
	clone := *bp
	clone.ID = id
	clone.ApplyDefaults()

	lock, err := ComputeLock(&clone)
	if err != nil {
		return nil, err
	}
	clone.VersionLock = lock
	return &clone, nil
}
