// Package retry holds the backoff schedules used by the outbox dispatcher and lock acquisition.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is an exponential backoff with jitter, capped at Max.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultPolicy doubles from base up to max with 20% jitter.
func DefaultPolicy(base, maxDelay time.Duration) Policy {
	return Policy{Base: base, Max: maxDelay, Multiplier: 2, Jitter: 0.2}
}

// Delay returns the wait before the next attempt after the given number of failures (1-based).
// The result is always positive and never exceeds Max.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	b := p.backOff()

	var d time.Duration
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
		if d >= p.Max {
			break
		}
	}

	if d > p.Max {
		d = p.Max
	}
	if d <= 0 {
		d = p.Base
	}

	return d
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()

	return b
}

// Do runs op until it succeeds, returns a permanent error, ctx ends or maxElapsed passes.
// Wrap errors with backoff.Permanent to stop early.
func Do[T any](ctx context.Context, p Policy, maxElapsed time.Duration, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}

// Permanent marks err as not retryable for Do.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
