// Package lock serializes period close, reopen and posting per (tenant, period).
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jnst/ledger-core/internal/model"
)

// Locker takes an exclusive lock on key, waiting at most the locker's configured wait.
// The returned release func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// PeriodKey is the lock key for a tenant's period.
func PeriodKey(tenantID, periodID string) string {
	return "ledger:lock:period:" + tenantID + ":" + periodID
}

type heldKey struct{}

// WithHeld records on ctx that the caller holds key.
func WithHeld(ctx context.Context, key string) context.Context {
	held, _ := ctx.Value(heldKey{}).(map[string]struct{})
	next := make(map[string]struct{}, len(held)+1)
	for k := range held {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}

	return context.WithValue(ctx, heldKey{}, next)
}

// Held reports whether key was acquired further up the call chain of ctx.
func Held(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldKey{}).(map[string]struct{})
	_, ok := held[key]
	return ok
}

// AcquireAll takes every key not already held on ctx, in sorted order so that two callers
// locking overlapping sets cannot deadlock. The returned context marks the keys as held.
// On failure nothing stays locked.
func AcquireAll(ctx context.Context, l Locker, keys []string) (context.Context, func(context.Context) error, error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var releases []func(context.Context) error
	releaseAll := func(ctx context.Context) error {
		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			errs = append(errs, releases[i](ctx))
		}
		return errors.Join(errs...)
	}

	for _, key := range sorted {
		if Held(ctx, key) {
			continue
		}

		release, err := l.Acquire(ctx, key)
		if err != nil {
			_ = releaseAll(context.WithoutCancel(ctx))
			return ctx, nil, err
		}
		releases = append(releases, release)
		ctx = WithHeld(ctx, key)
	}

	return ctx, releaseAll, nil
}

// Local is an in-process keyed lock for single-node deployments.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal returns a Local lock that waits up to wait for a held key.
func NewLocal(wait time.Duration) *Local {
	return &Local{wait: wait, slots: make(map[string]chan struct{})}
}

// Acquire blocks until key is free, ctx ends or the wait elapses.
func (l *Local) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", model.ErrLockNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-slot })
		return nil
	}, nil
}
