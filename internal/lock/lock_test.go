package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-frozen/reserve-monitor/internal/metrics"
)

func TestFileLockExclusive(t *testing.T) {
	dir := t.TempDir()
	a := NewFileLock(dir)
	b := NewFileLock(dir)
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	content, err := os.ReadFile(filepath.Join(dir, "asset_reserve_snapshot.lock"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "pid="), "lock file content %q", content)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	require.NoError(t, a.Release(ctx))
	_, err = os.Stat(a.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist), "lock file should be removed")

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock should be free after release")
	require.NoError(t, b.Release(ctx))
}

func TestFileLockReleaseWithoutHoldKeepsOtherHolder(t *testing.T) {
	dir := t.TempDir()
	a := NewFileLock(dir)
	b := NewFileLock(dir)
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx))
	_, err = os.Stat(a.Path())
	assert.NoError(t, err, "non-holder release must not remove the file")
	require.NoError(t, a.Release(ctx))
}

func TestWithLockSingleFlight(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var (
		running  atomic.Int32
		maxSeen  atomic.Int32
		ran      atomic.Int32
		heldErrs atomic.Int32
		wg       sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := WithLock(ctx, NewFileLock(dir), func(context.Context) error {
				n := running.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				ran.Add(1)
				return nil
			})
			if errors.Is(err, ErrHeld) {
				heldErrs.Add(1)
			} else if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load(), "at most one holder at a time")
	assert.GreaterOrEqual(t, ran.Load(), int32(1))
	assert.Equal(t, int32(8), ran.Load()+heldErrs.Load())
}

func TestWithLockReleasesOnError(t *testing.T) {
	l := NewFileLock(t.TempDir())
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithLock(ctx, l, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	_, err = os.Stat(l.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist), "lock file should be removed after failure")
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	l := NewFileLock(t.TempDir())

	func() {
		defer func() { _ = recover() }()
		_ = WithLock(context.Background(), l, func(context.Context) error { panic("boom") })
	}()

	_, err := os.Stat(l.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist), "lock file should be removed after panic")
}

type failingLocker struct{}

func (failingLocker) TryAcquire(context.Context) (bool, error) { return false, errors.New("backend down") }
func (failingLocker) Release(context.Context) error { return nil }

func TestWithLockAcquireError(t *testing.T) {
	called := false
	err := WithLock(context.Background(), failingLocker{}, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrHeld))
	assert.False(t, called)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, func() *RedisLock) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, func() *RedisLock {
		l, err := NewRedis("redis://"+mr.Addr(), "", time.Minute)
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
		return l
	}
}

func TestRedisLockExclusive(t *testing.T) {
	mr, newLock := setupTestRedis(t)
	a, b := newLock(), newLock()
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lock:asset_reserve_snapshot"))
	assert.Equal(t, time.Minute, mr.TTL("lock:asset_reserve_snapshot"))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A non-holder release must leave the holder's key alone.
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("lock:asset_reserve_snapshot"))

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("lock:asset_reserve_snapshot"))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpiredHolderDoesNotDeleteSuccessor(t *testing.T) {
	mr, newLock := setupTestRedis(t)
	a, b := newLock(), newLock()
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx))
	assert.True(t, mr.Exists("lock:asset_reserve_snapshot"), "stale holder must not release successor")
}

func TestNewRedisBadURL(t *testing.T) {
	_, err := NewRedis("not a url", "", 0)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	l, closeFn, err := Open(Settings{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &FileLock{}, l)

	mr := miniredis.RunT(t)
	l, closeRedis, err := Open(Settings{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer closeRedis()
	assert.IsType(t, &RedisLock{}, l)

	_, _, err = Open(Settings{Backend: BackendPostgres})
	assert.Error(t, err)

	_, _, err = Open(Settings{Backend: "etcd"})
	assert.ErrorContains(t, err, "etcd")
}

// releaseFails holds a FileLock but reports every release as failed.
type releaseFails struct{ *FileLock }

func (r releaseFails) Release(ctx context.Context) error {
	_ = r.FileLock.Release(ctx)
	return errors.New("release backend down")
}

func TestWithLockReleaseErrorKeepsResult(t *testing.T) {
	l := releaseFails{NewFileLock(t.TempDir())}
	before := testutil.ToFloat64(metrics.LockReleaseFailedTotal)

	err := WithLock(context.Background(), l, func(context.Context) error { return nil })
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = WithLock(context.Background(), l, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LockReleaseFailedTotal)-before)
}
