package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- String: {prefix}{destination} - invocation counter for the current window,
  expires with the window
*/

var allowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	if current > tonumber(ARGV[1]) then
		return 0
	end
	return 1
`)

// RedisLimiter is a distributed fixed-window limiter.
//
// Each destination gets its own counter. Counters reset at window
// boundaries, so up to twice the limit can pass around a boundary.
//
// Example:
//
//	limiter := ratelimit.NewRedisLimiter(rdb, 100, time.Second)
//	if err := limiter.Wait(ctx, "postServiceEventHandler"); err != nil {
//	    return err
//	}
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter creates a limiter allowing limit invocations per window
// per destination.
func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RedisLimiter{
		client: client,
		prefix: "ratelimit:dispatch:",
		limit:  limit,
		window: window,
		logger: slog.Default().With("component", "ratelimit.redis"),
	}
}

// WithKeyPrefix sets a custom key prefix
func (r *RedisLimiter) WithKeyPrefix(prefix string) *RedisLimiter {
	r.prefix = prefix
	return r
}

// Allow reports whether destination is under its limit for the current
// window. Redis errors fail open.
func (r *RedisLimiter) Allow(ctx context.Context, destination string) bool {
	result, err := allowScript.Run(ctx, r.client, []string{r.prefix + destination}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		r.logger.Warn("rate limit check failed, allowing", "destination", destination, "error", err)
		return true
	}
	return result == 1
}

// Wait polls Allow until it succeeds or ctx is done.
func (r *RedisLimiter) Wait(ctx context.Context, destination string) error {
	interval := r.window / time.Duration(r.limit)
	if interval <= 0 {
		interval = time.Millisecond
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if r.Allow(ctx, destination) {
				return nil
			}
			timer.Reset(interval)
		}
	}
}

// Remaining returns the invocations left for destination in the current
// window.
func (r *RedisLimiter) Remaining(ctx context.Context, destination string) (int, error) {
	val, err := r.client.Get(ctx, r.prefix+destination).Int()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return max(r.limit-val, 0), nil
}

// Reset clears the counter of destination.
func (r *RedisLimiter) Reset(ctx context.Context, destination string) error {
	return r.client.Del(ctx, r.prefix+destination).Err()
}

// Compile-time check
var _ Limiter = (*RedisLimiter)(nil)
