// Package ratelimit throttles dispatch invocations per destination.
//
// Two implementations are provided:
//   - TokenBucket: in-process token buckets (golang.org/x/time/rate), one
//     per destination
//   - RedisLimiter: fixed-window counters in Redis, shared by every bus
//     instance pointing at the same Redis
//
// # Basic Usage
//
//	// 50 invocations/second per destination, burst of 10
//	limiter := ratelimit.NewTokenBucket(50, 10)
//
//	if err := limiter.Wait(ctx, "feedServiceEventHandler"); err != nil {
//	    return err // context cancelled
//	}
//	invoker.InvokeAsync(ctx, "feedServiceEventHandler", payload)
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is the interface for per-destination rate limiters.
//
// All implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether an invocation of destination can happen now.
	Allow(ctx context.Context, destination string) bool

	// Wait blocks until an invocation of destination is allowed or ctx is
	// done.
	Wait(ctx context.Context, destination string) error
}

// TokenBucket keeps one token bucket per destination.
//
// Example:
//
//	limiter := ratelimit.NewTokenBucket(100, 10)
//	if limiter.Allow(ctx, "demoSubscriber") {
//	    dispatch()
//	}
type TokenBucket struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewTokenBucket creates a limiter allowing rps invocations per second per
// destination, with bursts of up to burst.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (t *TokenBucket) bucket(destination string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[destination]
	if !ok {
		b = rate.NewLimiter(t.limit, t.burst)
		t.buckets[destination] = b
	}
	return b
}

// Allow consumes a token for destination if one is available.
func (t *TokenBucket) Allow(ctx context.Context, destination string) bool {
	return t.bucket(destination).Allow()
}

// Wait blocks until a token for destination is available.
func (t *TokenBucket) Wait(ctx context.Context, destination string) error {
	return t.bucket(destination).Wait(ctx)
}

// SetLimit updates the rate of every bucket.
func (t *TokenBucket) SetLimit(rps float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.limit = rate.Limit(rps)
	for _, b := range t.buckets {
		b.SetLimit(t.limit)
	}
}

// Limit returns the current rate (invocations per second per destination).
func (t *TokenBucket) Limit() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.limit)
}

// Burst returns the burst size.
func (t *TokenBucket) Burst() int {
	return t.burst
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
