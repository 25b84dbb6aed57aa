package blueprint

import (
	"context"
	"errors"
	"testing"
)

func sample() *Blueprint {
	return &Blueprint{
		SchemaVersion: "1.0.0",
		Metadata:      Metadata{Name: "sample"},
		Nodes: []*NodeSpec{
			{ID: "a", Type: NodeTypeTool, ToolName: "echo",
				InputSchema: map[string]any{"val": "any"}, OutputSchema: map[string]any{"echo": "any"}},
		},
	}
}

func TestComputeLock_Deterministic(t *testing.T) {
	l1, err := ComputeLock(sample())
	if err != nil {
		t.Fatalf("ComputeLock failed: %v", err)
	}
	l2, err := ComputeLock(sample())
	if err != nil {
		t.Fatalf("ComputeLock failed: %v", err)
	}
	if l1 != l2 {
		t.Errorf("expected identical locks for identical content, got %s and %s", l1, l2)
	}
}

func TestComputeLock_ExcludesIDAndLock(t *testing.T) {
	bp := sample()
	base, _ := ComputeLock(bp)

	bp.ID = "some-id"
	bp.VersionLock = "stale"
	withIdentity, _ := ComputeLock(bp)
	if base != withIdentity {
		t.Error("id and version_lock must not affect the lock")
	}

	bp.Metadata.Name = "renamed"
	changed, _ := ComputeLock(bp)
	if base == changed {
		t.Error("content change must change the lock")
	}
}

func TestMemoryStore_CreateRequiresSentinel(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, sample(), ""); !errors.Is(err, ErrLockRequired) {
		t.Fatalf("expected ErrLockRequired, got %v", err)
	}
	if _, err := s.Create(ctx, sample(), "not-the-sentinel"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	stored, err := s.Create(ctx, sample(), LockNew)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if stored.ID == "" || stored.VersionLock == "" {
		t.Fatal("stored blueprint must carry id and version lock")
	}
}

func TestMemoryStore_OptimisticConcurrency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stored, err := s.Create(ctx, sample(), LockNew)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	l1 := stored.VersionLock

	update := sample()
	update.Metadata.Name = "renamed"

	// First writer with L1 wins and gets L2.
	updated, err := s.Update(ctx, stored.ID, update, l1)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.VersionLock == l1 {
		t.Fatal("update must rotate the version lock")
	}

	// Second writer still holding L1 conflicts.
	if _, err := s.Update(ctx, stored.ID, update, l1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Missing lock is a distinct failure.
	if _, err := s.Update(ctx, stored.ID, update, ""); !errors.Is(err, ErrLockRequired) {
		t.Fatalf("expected ErrLockRequired, got %v", err)
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
