package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a simple rate limiter used to bound API request bursts.
type TokenBucket struct {
	rate       float64 // tokens per second
	burst      int     // max tokens
	available  float64
	lastRefill time.Time
	mu         sync.Mutex
}

func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return &TokenBucket{rate: rate, burst: burst, available: float64(burst), lastRefill: time.Now()}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.available += elapsed * tb.rate
	if tb.available > float64(tb.burst) {
		tb.available = float64(tb.burst)
	}
	tb.lastRefill = now
}

// Allow consumes n tokens if available and returns true, otherwise false.
func (tb *TokenBucket) Allow(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.available >= float64(n) {
		tb.available -= float64(n)
		return true
	}
	return false
}

// Wait blocks until n tokens are available or the context is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context, n int) error {
	for {
		if tb.Allow(n) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
