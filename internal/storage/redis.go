package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/garrettladley/payhook/internal/clock"
	"github.com/redis/go-redis/v9"
)

var _ RateLimiter = (*RedisRateLimiter)(nil)

const rateLimitKeyPrefix = "ratelimit:"

type RedisRateLimiter struct {
	client     *redis.Client
	clock      clock.Clock
	rateLimit  int
	rateWindow time.Duration
}

// NewRedisRateLimiter admits burst requests per key in a sliding window of
// burst/limit seconds, so the sustained rate is limit per second. The window
// is shared by every process pointed at the same Redis.
func NewRedisRateLimiter(client *redis.Client, c clock.Clock, limit float64, burst int) *RedisRateLimiter {
	if c == nil {
		c = clock.System()
	}
	burst = max(burst, 1)
	return &RedisRateLimiter{
		client:     client,
		clock:      c,
		rateLimit:  burst,
		rateWindow: slidingWindow(limit, burst),
	}
}

func slidingWindow(limit float64, burst int) time.Duration {
	if limit <= 0 {
		return time.Second
	}
	return max(time.Duration(float64(burst)/limit*float64(time.Second)), time.Millisecond)
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (RateLimitResult, error) {
	params := rateLimitParams{
		window: r.rateWindow,
		limit:  r.rateLimit,
		ttl:    r.rateWindow + time.Second,
		now:    r.clock.Now(),
	}

	result, err := runRateLimitScript(ctx, r.client, rateLimitKeyPrefix+key, params)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	return result, nil
}
