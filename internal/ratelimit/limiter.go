// Package ratelimit throttles callers of the public paygate endpoints with
// per-key token buckets held in memory or in Redis.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}

// Store keeps bucket state for arbitrary keys.
type Store interface {
	Take(ctx context.Context, key string, capacity, refillRate float64) (Decision, error)
	Close() error
}

// Config sets the sustained rate and burst applied to every key.
type Config struct {
	Store             Store
	RequestsPerSecond float64
	Burst             float64
	Logger            *zap.Logger
}

// DefaultConfig allows 20 requests per second with bursts of 40.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40}
}

// Limiter admits or rejects requests per key.
type Limiter struct {
	store    Store
	capacity float64
	rate     float64
	logger   *zap.Logger
}

// NewLimiter builds a limiter, defaulting to an in-memory store.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst < 1 {
		cfg.Burst = def.Burst
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(5*time.Minute, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Limiter{
		store:    cfg.Store,
		capacity: cfg.Burst,
		rate:     cfg.RequestsPerSecond,
		logger:   cfg.Logger.Named("ratelimit"),
	}
}

// Allow takes a token for key. An empty key is never limited, and a store
// failure admits the request.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if key == "" {
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	}
	d, err := l.store.Take(ctx, key, l.capacity, l.rate)
	if err != nil {
		l.logger.Warn("rate limit store unavailable", zap.Error(err))
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	}
	return d
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
