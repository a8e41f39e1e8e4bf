package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLock is an exclusive-create lock file. Existence of the file means the
// lock is held; a crashed holder leaves it behind and an operator must
// remove it.
type FileLock struct {
	path string

	mu   sync.Mutex
	held bool
}

// NewFileLock places the lock file in dir, or os.TempDir() when dir is empty.
func NewFileLock(dir string) *FileLock {
	if dir == "" {
		dir = os.TempDir()
	}
	return &FileLock{path: filepath.Join(dir, Name+".lock")}
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) TryAcquire(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", l.path, err)
	}
	_, werr := fmt.Fprintf(f, "pid=%d time=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("write %s: %w", l.path, err)
	}
	l.held = true
	return true, nil
}

func (l *FileLock) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
