package verifier

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrPollExhausted is returned when every attempt finished without a result.
var ErrPollExhausted = errors.New("verifier: attempts exhausted")

// Poller retries a lookup with exponential backoff. Limiter, when set, bounds
// the request rate across all polls sharing it.
type Poller struct {
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
	Limiter     *rate.Limiter
}

// DefaultPoller waits for slow block confirmation.
func DefaultPoller() Poller {
	return Poller{MaxAttempts: 30, Interval: 3 * time.Second, MaxInterval: 15 * time.Second}
}

// Do invokes fn until it reports done, the attempts run out, or ctx ends.
// Errors from fn are treated as transient; the last one is returned on exhaustion.
func (p Poller) Do(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := p.Interval
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		done, err := fn(ctx)
		if done {
			return err
		}
		last = err
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if p.MaxInterval > 0 && wait > p.MaxInterval {
			wait = p.MaxInterval
		}
	}
	if last != nil {
		return errors.Join(ErrPollExhausted, last)
	}
	return ErrPollExhausted
}
