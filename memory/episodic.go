package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEpisodic is the episodic tier persisted in redis. Entries carry a
// TTL in the hours-to-days range and expire server-side.
type RedisEpisodic struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEpisodic creates the redis-backed episodic tier.
func NewRedisEpisodic(client *redis.Client, ttl time.Duration) *RedisEpisodic {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisEpisodic{client: client, ttl: ttl}
}

func (t *RedisEpisodic) redisKey(id Identity, scope, key string) string {
	return fmt.Sprintf("memory:episodic:%s:%s", partition(id, scope), key)
}

// Store writes an entry with the tier TTL.
func (t *RedisEpisodic) Store(id Identity, scope, key, content string, meta map[string]any) error {
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

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize memory entry: %w", err)
	}

	ctx := context.Background()
	if err := t.client.Set(ctx, t.redisKey(id, scope, key), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store episodic entry: %w", err)
	}
	return nil
}

// Retrieve reads one entry under the caller's partition.
func (t *RedisEpisodic) Retrieve(id Identity, scope, key string) (*Entry, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}

	ctx := context.Background()
	data, err := t.client.Get(ctx, t.redisKey(id, scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read episodic entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode episodic entry: %w", err)
	}
	return &entry, true, nil
}

// Search scans the caller's partition and substring-matches content.
func (t *RedisEpisodic) Search(id Identity, scope, query string, k int) ([]*Entry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	pattern := fmt.Sprintf("memory:episodic:%s:*", partition(id, scope))

	var out []*Entry
	iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := t.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read episodic entry: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if query == "" || strings.Contains(entry.Content, query) {
			out = append(out, &entry)
			if k > 0 && len(out) >= k {
				break
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("episodic scan failed: %w", err)
	}
	return out, nil
}

// Delete removes one entry; reports whether it existed.
func (t *RedisEpisodic) Delete(id Identity, scope, key string) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}

	ctx := context.Background()
	n, err := t.client.Del(ctx, t.redisKey(id, scope, key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete episodic entry: %w", err)
	}
	return n > 0, nil
}

// Clear removes entries matching the pattern within the partition.
func (t *RedisEpisodic) Clear(id Identity, scope, pattern string) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("memory:episodic:%s:", partition(id, scope))

	count := 0
	iter := t.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), prefix)
		if !matchPattern(pattern, key) {
			continue
		}
		n, err := t.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return count, fmt.Errorf("failed to clear episodic entries: %w", err)
		}
		count += int(n)
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("episodic scan failed: %w", err)
	}
	return count, nil
}

// NewEpisodicMemory returns the redis tier when a client is configured,
// an in-process tier otherwise.
func NewEpisodicMemory(client *redis.Client, ttl time.Duration) Tier {
	if client != nil {
		return NewRedisEpisodic(client, ttl)
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return NewKVTier(ttl, 0)
}
