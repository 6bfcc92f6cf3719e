package chat

import (
	"context"

	"golang.org/x/time/rate"
)

// Defaults per the token-bucket specification: 10 tokens/sec, burst of 20.
const (
	DefaultRateLimit = 10
	DefaultRateBurst = 20
)

// RateLimiter is a per-connection token bucket backed by golang.org/x/time/rate.
// Zero or negative configured rate/burst is clamped to 1, the minimum positive
// value, so a bad configuration can never deadlock a connection.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter with rate r tokens/sec and burst b.
func NewRateLimiter(r, b int) *RateLimiter {
	if r <= 0 {
		r = 1
	}
	if b <= 0 {
		b = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(r), b)}
}

// TryAcquire is the non-blocking check: true if a token was available and
// consumed.
func (rl *RateLimiter) TryAcquire() bool {
	return rl.limiter.Allow()
}

// Acquire suspends until a token is available, or ctx is canceled — the
// cooperative-cancellation path composes this with the connection's
// shutdown signal.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
