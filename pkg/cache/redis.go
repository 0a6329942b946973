package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	storeRedis = "redis"

	// RedisKeyPrefix namespaces proxy entries inside a shared Redis.
	RedisKeyPrefix = "athena:cache:"
)

// RedisStore keeps entries in Redis with a key expiry equal to the TTL.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   Clock
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		redis: redisClient,
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetClock overrides the time source (for testing).
func (s *RedisStore) SetClock(clock Clock) {
	if clock != nil {
		s.now = clock
	}
}

// Get retrieves an entry by key.
// Redis expires keys on its own; the CachedAt check covers clock skew and
// entries written by a store configured with a longer TTL.
func (s *RedisStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	data, err := s.redis.Get(ctx, RedisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(storeRedis).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(storeRedis, "get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CachedResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues(storeRedis, "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired(s.now(), s.ttl) {
		CacheMisses.WithLabelValues(storeRedis).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(storeRedis).Inc()
	return &entry, nil
}

// Set stores an entry with a Redis expiry of the remaining TTL.
func (s *RedisStore) Set(ctx context.Context, key string, entry *CachedResponse) error {
	if entry == nil {
		CacheErrors.WithLabelValues(storeRedis, "set").Inc()
		return fmt.Errorf("cache entry cannot be nil")
	}

	stored := *entry
	if stored.CachedAt.IsZero() {
		stored.CachedAt = s.now()
	}

	ttl := stored.TTL(s.now(), s.ttl)
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		CacheErrors.WithLabelValues(storeRedis, "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, RedisKeyPrefix+key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues(storeRedis, "set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
