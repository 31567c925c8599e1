package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed ratelimit.lua
var rateLimitLua string

var rateLimitScript = redis.NewScript(rateLimitLua)

type rateLimitParams struct {
	window time.Duration // ARGV[1]: sliding window size in milliseconds
	limit  int           // ARGV[2]: max requests allowed in window
	ttl    time.Duration // ARGV[3]: key expiration in seconds
	now    time.Time     // ARGV[4]: current time in milliseconds
}

func (p rateLimitParams) args() []any {
	return []any{
		p.window.Milliseconds(),
		p.limit,
		int(p.ttl.Seconds()),
		p.now.UnixMilli(),
	}
}

func runRateLimitScript(ctx context.Context, client redis.Scripter, key string, params rateLimitParams) (RateLimitResult, error) {
	result, err := rateLimitScript.Run(ctx, client,
		[]string{key},
		params.args()...,
	).Int64Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(result) != 2 {
		return RateLimitResult{}, fmt.Errorf("unexpected rate limit script reply: %v", result)
	}
	return RateLimitResult{
		Allowed:    result[0] == 1,
		RetryAfter: time.Duration(result[1]) * time.Millisecond,
	}, nil
}
