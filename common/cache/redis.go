package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/praxis-ai/praxis/common/logger"
)

// RedisCache is a Redis-backed Cache for sharing node results across
// processes. Keys are namespaced under "cache:".
type RedisCache struct {
	redis *redis.Client
	log   *logger.Logger
}

// NewRedisCache creates a Redis-backed cache
func NewRedisCache(redisClient *redis.Client, log *logger.Logger) *RedisCache {
	return &RedisCache{redis: redisClient, log: log}
}

func redisCacheKey(key string) string {
	return "cache:" + key
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.redis.Get(ctx, redisCacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores a value in cache with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.redis.Set(ctx, redisCacheKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes a value from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, redisCacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (c *RedisCache) Close() error {
	return nil
}
