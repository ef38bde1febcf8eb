package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/retry"
)

var releaseScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var errHeld = errors.New("lock held")

// ErrLeaseLost is returned by release when the key expired or changed owner while held.
var ErrLeaseLost = errors.New("lock lease lost")

// Redis is a lease lock (SET NX PX) shared by every node using the same Redis.
// The holder extends the lease every ttl/3; it expires after ttl if the holder dies.
type Redis struct {
	client rueidis.Client
	ids    idgen.Generator
	ttl    time.Duration
	wait   time.Duration
}

// NewRedis builds a Redis lock.
func NewRedis(client rueidis.Client, ids idgen.Generator, ttl, wait time.Duration) *Redis {
	return &Redis{client: client, ids: ids, ttl: ttl, wait: wait}
}

// Acquire polls with backoff until the key is set or the wait elapses.
func (r *Redis) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := r.ids.NewID()

	_, err := retry.Do(ctx, retry.DefaultPolicy(25*time.Millisecond, 500*time.Millisecond), r.wait, func() (struct{}, error) {
		cmd := r.client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(r.ttl.Milliseconds()).Build()
		err := r.client.Do(ctx, cmd).Error()
		if rueidis.IsRedisNil(err) {
			return struct{}{}, errHeld
		}
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, nil
	})
	if errors.Is(err, errHeld) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", model.ErrLockNotAcquired, key)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	var lost atomic.Bool
	go func() {
		defer close(done)
		r.renew(renewCtx, key, token, &lost)
	}()

	return func(ctx context.Context) error {
		stop()
		<-done

		n, err := releaseScript.Exec(ctx, r.client, []string{key}, []string{token}).AsInt64()
		if err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if n == 0 || lost.Load() {
			return fmt.Errorf("%w: %s", ErrLeaseLost, key)
		}
		return nil
	}, nil
}

// renew extends the lease until ctx ends or the key no longer carries token.
func (r *Redis) renew(ctx context.Context, key, token string, lost *atomic.Bool) {
	interval := r.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ttl := strconv.FormatInt(r.ttl.Milliseconds(), 10)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := renewScript.Exec(ctx, r.client, []string{key}, []string{token, ttl}).AsInt64()
		if err != nil {
			// Transient; the next tick retries while the lease is still valid.
			continue
		}
		if n == 0 {
			lost.Store(true)
			return
		}
	}
}
