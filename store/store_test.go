package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/praxis-ai/praxis/common/eventbus"
)

func newRecord(id string) *ExecutionRecord {
	return &ExecutionRecord{
		ID:          id,
		BlueprintID: "bp-1",
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("ex-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := s.Transition(ctx, "ex-1", StatusRunning, Update{}); err != nil {
		t.Fatalf("pending -> running failed: %v", err)
	}
	if err := s.Transition(ctx, "ex-1", StatusCompleted, Update{Output: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("running -> completed failed: %v", err)
	}

	rec, err := s.Get(ctx, "ex-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", rec.Status)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Error("expected started and finished timestamps")
	}
	if rec.Output["x"] != 1 {
		t.Errorf("expected output to be applied, got %v", rec.Output)
	}
}

func TestMemoryStore_IllegalTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, newRecord("ex-1"))

	// pending -> completed skips running.
	if err := s.Transition(ctx, "ex-1", StatusCompleted, Update{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_ = s.Transition(ctx, "ex-1", StatusRunning, Update{})
	_ = s.Transition(ctx, "ex-1", StatusFailed, Update{Error: &ExecutionError{Kind: "ToolError", Message: "boom"}})

	// Terminal states accept no further moves.
	if err := s.Transition(ctx, "ex-1", StatusRunning, Update{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of failed, got %v", err)
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_AppendEvent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, newRecord("ex-1"))

	for i := 0; i < 3; i++ {
		if err := s.AppendEvent(ctx, "ex-1", eventbus.Envelope{Topic: eventbus.TopicNodeStarted, RunID: "ex-1"}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	rec, _ := s.Get(ctx, "ex-1")
	if len(rec.Events) != 3 {
		t.Errorf("expected 3 events, got %d", len(rec.Events))
	}

	// Get returns a copy; mutating it must not touch the store.
	rec.Events[0].Topic = "tampered"
	again, _ := s.Get(ctx, "ex-1")
	if again.Events[0].Topic == "tampered" {
		t.Error("event log must not be shared with callers")
	}
}

func TestMemoryStore_RecoverOrphans(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Create(ctx, newRecord("done"))
	_ = s.Transition(ctx, "done", StatusRunning, Update{})
	_ = s.Transition(ctx, "done", StatusCompleted, Update{})

	_ = s.Create(ctx, newRecord("orphan"))
	_ = s.Transition(ctx, "orphan", StatusRunning, Update{})

	n, err := s.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 orphan recovered, got %d", n)
	}

	rec, _ := s.Get(ctx, "orphan")
	if rec.Status != StatusFailed || rec.Error == nil {
		t.Errorf("expected orphan to be failed with an error, got %s", rec.Status)
	}
	done, _ := s.Get(ctx, "done")
	if done.Status != StatusCompleted {
		t.Error("completed executions must be untouched by recovery")
	}
}

func TestApprovals_DecideOnce(t *testing.T) {
	s := NewApprovalStore()
	approval := s.Create("ex-1", "gate", "Ship it?", "")

	if err := s.Decide(approval.ID, true, "lgtm"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if err := s.Decide(approval.ID, false, "changed my mind"); !errors.Is(err, ErrApprovalDecided) {
		t.Fatalf("expected ErrApprovalDecided, got %v", err)
	}

	got, err := s.Get(approval.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != ApprovalApproved || got.Comment != "lgtm" || got.DecidedAt == nil {
		t.Errorf("unexpected approval state: %+v", got)
	}
}

func TestApprovals_EscalateThenDecide(t *testing.T) {
	s := NewApprovalStore()
	approval := s.Create("ex-1", "gate", "Ship it?", "vp-review")

	if err := s.Escalate(approval.ID); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	got, _ := s.Get(approval.ID)
	if got.Status != ApprovalEscalated {
		t.Fatalf("expected escalated, got %s", got.Status)
	}

	// Escalated approvals still show as pending work.
	pending := s.ListPending()
	if len(pending) != 1 || pending[0].ID != approval.ID {
		t.Fatalf("expected escalated approval in pending list, got %v", pending)
	}

	if err := s.Decide(approval.ID, false, "not yet"); err != nil {
		t.Fatalf("deciding an escalated approval failed: %v", err)
	}
	if err := s.Escalate(approval.ID); !errors.Is(err, ErrApprovalDecided) {
		t.Fatalf("expected ErrApprovalDecided escalating a decided approval, got %v", err)
	}
}

func TestApprovals_AwaitTimeoutReturnsPending(t *testing.T) {
	s := NewApprovalStore()
	approval := s.Create("ex-1", "gate", "Ship it?", "")

	got, err := s.Await(context.Background(), approval.ID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if got.Status != ApprovalPending {
		t.Errorf("expected still-pending approval on timeout, got %s", got.Status)
	}
}

func TestApprovals_AwaitSeesDecision(t *testing.T) {
	s := NewApprovalStore()
	approval := s.Create("ex-1", "gate", "Ship it?", "")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Decide(approval.ID, true, "")
	}()

	got, err := s.Await(context.Background(), approval.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if got.Status != ApprovalApproved {
		t.Errorf("expected approved, got %s", got.Status)
	}
}
