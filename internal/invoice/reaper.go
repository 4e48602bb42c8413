package invoice

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper drops state idle for longer than ttl.
type Sweeper interface {
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
}

// Reaper periodically expires abandoned invoices and idle workflow sessions.
type Reaper struct {
	Engine   *Engine
	Sessions Sweeper
	Interval time.Duration
	Grace    time.Duration
	IdleTTL  time.Duration
	Logger   *zap.Logger
}

// Run sweeps every Interval until ctx is done. A zero interval disables it.
func (r Reaper) Run(ctx context.Context) {
	if r.Interval <= 0 {
		return
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("reaper")
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, logger)
		}
	}
}

// Sweep runs one pass.
func (r Reaper) Sweep(ctx context.Context, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if r.Engine != nil {
		n, err := r.Engine.ExpireStale(ctx, r.Grace)
		if err != nil {
			logger.Error("expire stale invoices", zap.Error(err))
		} else if n > 0 {
			logger.Info("expired stale invoices", zap.Int("count", n))
		}
	}
	if r.Sessions != nil && r.IdleTTL > 0 {
		n, err := r.Sessions.Sweep(ctx, r.IdleTTL)
		if err != nil {
			logger.Error("sweep idle sessions", zap.Error(err))
		} else if n > 0 {
			logger.Info("dropped idle sessions", zap.Int("count", n))
		}
	}
}
