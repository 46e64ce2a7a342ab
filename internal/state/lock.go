package state

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	lockPollInterval = 10 * time.Millisecond

	// DefaultLockStaleAfter is how old a lock file may be before another
	// writer treats its holder as crashed and breaks the lock.
	DefaultLockStaleAfter = 30 * time.Second

	// DefaultLockTimeout bounds how long a caller waits for the lock.
	DefaultLockTimeout = 10 * time.Second
)

// fileLock is a cross-process advisory lock backed by an O_EXCL lock file.
// A crashed holder cannot block writers forever: locks older than staleAfter
// are broken.
type fileLock struct {
	path       string
	staleAfter time.Duration
	timeout    time.Duration
}

func newFileLock(path string) *fileLock {
	return &fileLock{
		path:       path,
		staleAfter: DefaultLockStaleAfter,
		timeout:    DefaultLockTimeout,
	}
}

// Acquire blocks until the lock file is created exclusively, the timeout
// expires, or the context is cancelled.
func (l *fileLock) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.timeout)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%s %d", strconv.Itoa(os.Getpid()), time.Now().UnixMilli())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file %s: %w", l.path, err)
		}

		if l.breakIfStale() {
			continue
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for lock %s", l.path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release removes the lock file. Safe to call when the lock is already gone.
func (l *fileLock) Release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// breakIfStale breaks the lock file when its mtime is older than the
// staleness window. Returns true when the caller should retry immediately.
//
// The break is a rename to a unique name, not a remove: rename is atomic,
// so when several waiters race only one steals the file and the losers get
// ENOENT. Removing in place would let two waiters each delete a lock the
// other had just re-acquired.
func (l *fileLock) breakIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		// Holder released between our open and stat; retry.
		return os.IsNotExist(err)
	}
	if time.Since(info.ModTime()) < l.staleAfter {
		return false
	}

	stolen := fmt.Sprintf("%s.stale-%d-%d", l.path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(l.path, stolen); err != nil {
		// Another breaker won, or the holder released; retry.
		return os.IsNotExist(err)
	}

	// Rename preserves the mtime. A fresh mtime means a new holder acquired
	// between our stat and the rename; give its lock back.
	if info, err := os.Stat(stolen); err == nil && time.Since(info.ModTime()) < l.staleAfter {
		os.Rename(stolen, l.path)
		return false
	}
	os.Remove(stolen)
	return true
}
