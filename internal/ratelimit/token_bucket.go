package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills at a constant rate and allows bursts up to its capacity.
type TokenBucket struct {
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket returns a full bucket. refillRate is tokens per second.
func NewTokenBucket(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

// Take consumes one token when available and reports the outcome.
func (tb *TokenBucket) Take() Decision {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return Decision{Allowed: true, Limit: tb.capacity, Remaining: tb.tokens}
	}
	return Decision{Limit: tb.capacity, Remaining: tb.tokens, RetryAfter: tb.waitLocked()}
}

// Remaining returns the tokens currently available.
func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Full reports whether the bucket has refilled completely, meaning its key
// has been idle.
func (tb *TokenBucket) Full() bool {
	return tb.Remaining() >= tb.capacity
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) waitLocked() time.Duration {
	if tb.tokens >= 1 || tb.refillRate <= 0 {
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
}
