package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/praxis-ai/praxis/common/db"
)

// PostgresStore persists blueprints in a jsonb column with the version
// lock guarded at the row level.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a new Postgres-backed blueprint store.
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// Create inserts a new blueprint row.
func (s *PostgresStore) Create(ctx context.Context, bp *Blueprint, presentedLock string) (*Blueprint, error) {
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

	content, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize blueprint: %w", err)
	}

	query := `
		INSERT INTO blueprint (blueprint_id, content, version_lock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`

	if _, err := s.db.Exec(ctx, query, stored.ID, content, stored.VersionLock, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to create blueprint: %w", err)
	}

	return stored, nil
}

// Update replaces a blueprint row when the presented lock matches. The
// lock check and the write happen in a single statement.
func (s *PostgresStore) Update(ctx context.Context, id string, bp *Blueprint, presentedLock string) (*Blueprint, error) {
	if presentedLock == "" {
		return nil, ErrLockRequired
	}

	stored, err := withIdentity(bp, id)
	if err != nil {
		return nil, err
	}

	content, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize blueprint: %w", err)
	}

	query := `
		UPDATE blueprint
		SET content = $2, version_lock = $3, updated_at = $4
		WHERE blueprint_id = $1 AND version_lock = $5
	`

	tag, err := s.db.Exec(ctx, query, id, content, stored.VersionLock, time.Now().UTC(), presentedLock)
	if err != nil {
		return nil, fmt.Errorf("failed to update blueprint: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a stale lock.
		var exists bool
		err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM blueprint WHERE blueprint_id = $1)`, id).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check blueprint existence: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}

	return stored, nil
}

// Get returns a blueprint by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Blueprint, error) {
	var content []byte
	err := s.db.QueryRow(ctx, `SELECT content FROM blueprint WHERE blueprint_id = $1`, id).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	}

	var bp Blueprint
	if err := json.Unmarshal(content, &bp); err != nil {
		return nil, fmt.Errorf("failed to decode stored blueprint: %w", err)
	}
	return &bp, nil
}

// List returns all stored blueprints, newest first.
func (s *PostgresStore) List(ctx context.Context) ([]*Blueprint, error) {
	rows, err := s.db.Query(ctx, `SELECT content FROM blueprint ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blueprints: %w", err)
	}
	defer rows.Close()

	var out []*Blueprint
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan blueprint: %w", err)
		}
		var bp Blueprint
		if err := json.Unmarshal(content, &bp); err != nil {
			return nil, fmt.Errorf("failed to decode stored blueprint: %w", err)
		}
		out = append(out, &bp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blueprints: %w", err)
	}

	return out, nil
}

// Delete removes a blueprint by id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM blueprint WHERE blueprint_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete blueprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
