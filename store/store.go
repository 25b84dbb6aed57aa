package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/praxis-ai/praxis/common/eventbus"
)

// Execution statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// ErrNotFound is returned for unknown execution ids.
var ErrNotFound = errors.New("execution not found")

// ErrInvalidTransition is returned when a status change violates the
// lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions is the execution lifecycle.
var validTransitions = map[string][]string{
	StatusPending: {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCanceled},
}

func transitionAllowed(from, to string) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ExecutionError is the structured error surfaced on failed executions.
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

// ExecutionRecord is the persisted state of one execution. Events are
// append-only; the engine is the only writer.
type ExecutionRecord struct {
	ID          string              `json:"id"`
	BlueprintID string              `json:"blueprint_id"`
	Status      string              `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	Inputs      map[string]any      `json:"inputs,omitempty"`
	Output      map[string]any      `json:"output,omitempty"`
	Error       *ExecutionError     `json:"error,omitempty"`
	Events      []eventbus.Envelope `json:"events,omitempty"`
}

// Update carries the mutable fields of a status transition.
type Update struct {
	Output map[string]any
	Error  *ExecutionError
}

// Store persists execution records.
type Store interface {
	Create(ctx context.Context, rec *ExecutionRecord) error
	Get(ctx context.Context, id string) (*ExecutionRecord, error)
	List(ctx context.Context) ([]*ExecutionRecord, error)

	// Transition atomically moves an execution to a new status and
	// applies the update. Illegal moves return ErrInvalidTransition.
	Transition(ctx context.Context, id, to string, update Update) error

	// AppendEvent adds one event to the record's log.
	AppendEvent(ctx context.Context, id string, env eventbus.Envelope) error

	// RecoverOrphans fails every execution still marked running; called
	// once at startup since mid-run state does not survive a restart.
	RecoverOrphans(ctx context.Context) (int, error)
}

// applyTransition mutates a record in place after validating the move.
func applyTransition(rec *ExecutionRecord, to string, update Update) error {
	if !transitionAllowed(rec.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}

	now := time.Now().UTC()
	switch to {
	case StatusRunning:
		rec.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCanceled:
		rec.FinishedAt = &now
	}

	rec.Status = to
	if update.Output != nil {
		rec.Output = update.Output
	}
	if update.Error != nil {
		rec.Error = update.Error
	}
	return nil
}
