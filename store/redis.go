package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/praxis-ai/praxis/common/eventbus"
)

const (
	recordKeyPrefix = "execution:record:"
	eventsKeyPrefix = "execution:events:"
	indexKey        = "execution:index"
)

// RedisStore persists execution records in redis. Records live under one
// JSON value per execution; events are an append-only list. The engine
// is the single writer, so transitions use WATCH only to guard against a
// concurrent cancel.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed execution store. A zero ttl keeps
// records forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Create stores a new record and indexes it by creation time.
func (s *RedisStore) Create(ctx context.Context, rec *ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize execution record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+rec.ID, data, s.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create execution record: %w", err)
	}
	return nil
}

// Get returns a record with its event log attached.
func (s *RedisStore) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	data, err := s.client.Get(ctx, recordKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution record: %w", err)
	}

	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode execution record: %w", err)
	}

	raw, err := s.client.LRange(ctx, eventsKeyPrefix+id, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read execution events: %w", err)
	}
	for _, item := range raw {
		var env eventbus.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		rec.Events = append(rec.Events, env)
	}

	return &rec, nil
}

// List returns all records, newest first.
func (s *RedisStore) List(ctx context.Context) ([]*ExecutionRecord, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	out := make([]*ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, recordKeyPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read execution record: %w", err)
		}
		var rec ExecutionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Transition applies a status change under WATCH so concurrent cancels
// and engine updates cannot interleave.
func (s *RedisStore) Transition(ctx context.Context, id, to string, update Update) error {
	key := recordKeyPrefix + id

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read execution record: %w", err)
		}

		var rec ExecutionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode execution record: %w", err)
		}

		if err := applyTransition(&rec, to, update); err != nil {
			return err
		}

		updated, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to serialize execution record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transition contention on execution %s", id)
}

// AppendEvent pushes one event onto the record's log.
func (s *RedisStore) AppendEvent(ctx context.Context, id string, env eventbus.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, eventsKeyPrefix+id, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, eventsKeyPrefix+id, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// RecoverOrphans fails every running execution; called once at startup.
func (s *RedisStore) RecoverOrphans(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list executions: %w", err)
	}

	count := 0
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if rec.Status != StatusRunning {
			continue
		}
		err = s.Transition(ctx, id, StatusFailed, Update{
			Error: &ExecutionError{Kind: "Cancelled", Message: "restart"},
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
