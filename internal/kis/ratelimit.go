// ratelimit.go implements token-bucket rate limiting for the KIS OpenAPI.
//
// KIS enforces a per-appkey call limit measured in requests per second:
// 20/s on the live host, 2/s on the paper-trading host. Exceeding it
// returns EGW00201 errors upstream. The limit is aggregate across all REST
// endpoints, so the client shares one bucket that refills continuously
// rather than in one-second bursts.
package kis

import (
	"context"
	"sync"
	"time"
)

// Published per-appkey request rates for each host.
const (
	liveCallsPerSec = 20
	mockCallsPerSec = 2
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// newCallLimiter returns the bucket for the configured host, with burst
// capacity equal to the one-second allowance.
func newCallLimiter(live bool) *TokenBucket {
	if live {
		return NewTokenBucket(liveCallsPerSec, liveCallsPerSec)
	}
	return NewTokenBucket(mockCallsPerSec, mockCallsPerSec)
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Time until the next token accrues
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
