package storage

import (
	"context"
	"sync"
	"time"

	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/ttlcache"
	"golang.org/x/time/rate"
)

var _ RateLimiter = (*MemoryRateLimiter)(nil)

// limiterIdleTTL bounds how long an unused per-key limiter is retained.
const limiterIdleTTL = 10 * time.Minute

type MemoryRateLimiter struct {
	clock     clock.Clock
	rateLimit rate.Limit
	rateBurst int

	mu       sync.Mutex
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

func NewMemoryRateLimiter(c clock.Clock, ratePerSec float64, burst int) *MemoryRateLimiter {
	if c == nil {
		c = clock.System()
	}
	limiters := ttlcache.New[string, *rate.Limiter](c)
	limiters.Start(time.Minute)
	return &MemoryRateLimiter{
		clock:     c,
		rateLimit: rate.Limit(ratePerSec),
		rateBurst: max(burst, 1),
		limiters:  limiters,
	}
}

func (m *MemoryRateLimiter) Allow(_ context.Context, key string) (RateLimitResult, error) {
	now := m.clock.Now()
	limiter := m.limiter(key)

	if limiter.AllowN(now, 1) {
		return RateLimitResult{Allowed: true}, nil
	}

	r := limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if delay <= 0 {
		delay = time.Second
	}
	return RateLimitResult{Allowed: false, RetryAfter: delay}, nil
}

func (m *MemoryRateLimiter) Close() error {
	m.limiters.Close()
	return nil
}

func (m *MemoryRateLimiter) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	limiter, ok := m.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(m.rateLimit, m.rateBurst)
	}
	m.limiters.Set(key, limiter, limiterIdleTTL)
	return limiter
}
