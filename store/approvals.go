package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Approval statuses.
const (
	ApprovalPending   = "pending"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalEscalated = "escalated"
)

// ErrApprovalNotFound is returned for unknown approval ids.
var ErrApprovalNotFound = errors.New("approval not found")

// ErrApprovalDecided is returned when deciding an already-decided
// approval.
var ErrApprovalDecided = errors.New("approval already decided")

// Approval is one pending human decision raised by a human node.
type Approval struct {
	ID             string     `json:"id"`
	ExecutionID    string     `json:"execution_id"`
	NodeID         string     `json:"node_id"`
	Prompt         string     `json:"prompt"`
	EscalationPath string     `json:"escalation_path,omitempty"`
	Status         string     `json:"status"`
	Comment        string     `json:"comment,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// ApprovalStore tracks approval requests. Executors create and poll;
// the API decides.
type ApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]*Approval
}

// NewApprovalStore creates an empty approval store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{approvals: make(map[string]*Approval)}
}

// Create opens a new pending approval and returns it.
func (s *ApprovalStore) Create(executionID, nodeID, prompt, escalationPath string) *Approval {
	approval := &Approval{
		ID:             uuid.NewString(),
		ExecutionID:    executionID,
		NodeID:         nodeID,
		Prompt:         prompt,
		EscalationPath: escalationPath,
		Status:         ApprovalPending,
		CreatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.approvals[approval.ID] = approval
	s.mu.Unlock()
	return approval
}

// Get returns a copy of an approval.
func (s *ApprovalStore) Get(id string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approval, exists := s.approvals[id]
	if !exists {
		return nil, ErrApprovalNotFound
	}
	clone := *approval
	return &clone, nil
}

// ListPending returns open approvals, oldest first.
func (s *ApprovalStore) ListPending() []*Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Approval
	for _, approval := range s.approvals {
		if approval.Status == ApprovalPending || approval.Status == ApprovalEscalated {
			clone := *approval
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Decide resolves an approval as approved or rejected.
func (s *ApprovalStore) Decide(id string, approved bool, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approval, exists := s.approvals[id]
	if !exists {
		return ErrApprovalNotFound
	}
	if approval.Status == ApprovalApproved || approval.Status == ApprovalRejected {
		return ErrApprovalDecided
	}

	now := time.Now().UTC()
	if approved {
		approval.Status = ApprovalApproved
	} else {
		approval.Status = ApprovalRejected
	}
	approval.Comment = comment
	approval.DecidedAt = &now
	return nil
}

// Escalate moves a pending approval to escalated so the next poller sees
// the routing happened. Deciding an escalated approval is still allowed.
func (s *ApprovalStore) Escalate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approval, exists := s.approvals[id]
	if !exists {
		return ErrApprovalNotFound
	}
	if approval.Status != ApprovalPending {
		return ErrApprovalDecided
	}
	approval.Status = ApprovalEscalated
	return nil
}

// Await polls until the approval is decided, the timeout passes, or the
// context is canceled. It returns the final approval; on timeout the
// returned approval is still pending.
func (s *ApprovalStore) Await(ctx context.Context, id string, timeout time.Duration) (*Approval, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		approval, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if approval.Status == ApprovalApproved || approval.Status == ApprovalRejected {
			return approval, nil
		}
		if time.Now().After(deadline) {
			return approval, nil
		}

		select {
		case <-ctx.Done():
			return approval, ctx.Err()
		case <-ticker.C:
		}
	}
}
