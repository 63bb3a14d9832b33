package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the CounterStore for multi-process deployments. INCR is
// atomic server-side; the TTL set on the first hit is the window boundary,
// and expiry makes counters self-cleaning.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "rl:"}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	redisKey := s.prefix + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incr rate counter: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("expire rate counter: %w", err)
		}
	}

	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ttl rate counter: %w", err)
	}
	if ttl < 0 {
		// Key lost its TTL (flushed or legacy); reattach so it cannot grow stale.
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("reattach rate counter ttl: %w", err)
		}
		ttl = window
	}

	windowStart := time.Now().UTC().Add(ttl - window)
	return count, windowStart, nil
}
