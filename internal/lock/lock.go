// Package lock provides the cross-process mutual exclusion that keeps at
// most one snapshot run in flight at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/web3-frozen/reserve-monitor/internal/metrics"
)

// Name identifies the snapshot lock across every backend.
const Name = "asset_reserve_snapshot"

// ErrHeld is returned by WithLock when another holder owns the lock.
var ErrHeld = errors.New("snapshot lock held by another run")

// Locker is a non-blocking, process-external lock.
type Locker interface {
	// TryAcquire reports whether the lock was taken. It never waits for
	// another holder.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// WithLock runs fn while holding l. The lock is released on every exit path,
// including a panic in fn. A failed release is logged and counted but never
// changes the result of fn.
func WithLock(ctx context.Context, l Locker, fn func(ctx context.Context) error) error {
	ok, err := l.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	defer func() {
		// Release must run even if ctx was cancelled during fn.
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
			metrics.LockReleaseFailedTotal.Inc()
			slog.Error("release snapshot lock", "error", rerr)
		}
	}()
	return fn(ctx)
}
