package logstore

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"
)

// FileLock arbitrates cross-process access through a sibling lock file. Locks
// are advisory: all cooperating processes must take them for the protocol to
// hold. Readers take a shared lock where the platform supports it; writers
// and maintenance take an exclusive lock.
//
// All in-process holders share one lock-file descriptor, and flock(2)
// silently converts the mode held on it rather than stacking. The rw mutex
// therefore keeps the two modes mutually exclusive in-process: an exclusive
// acquisition drains in-process readers first, and readers wait out an
// in-process writer. Shared acquisitions are refcounted so concurrent
// readers share one underlying file lock, released only when the last of
// them lets go.
type FileLock struct {
	path  string
	retry RetryPolicy

	rw sync.RWMutex

	mu     sync.Mutex
	f      *os.File
	shared int
}

// OpenFileLock opens (creating if needed) the lock file. The lock file is
// never deleted while the engine instance is open.
func OpenFileLock(path string, retry RetryPolicy) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLock{path: path, retry: retry, f: f}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// AcquireShared takes the lock in shared mode, retrying under the lock
// policy. It waits for any in-process exclusive holder to release. The
// returned release function must be called on every exit path.
func (l *FileLock) AcquireShared(ctx context.Context) (func(), error) {
	l.rw.RLock()

	l.mu.Lock()
	if l.shared == 0 {
		if err := l.flockRetry(ctx, false); err != nil {
			l.mu.Unlock()
			l.rw.RUnlock()
			return nil, err
		}
	}
	l.shared++
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		l.shared--
		if l.shared == 0 {
			l.unlock()
		}
		l.mu.Unlock()
		l.rw.RUnlock()
	}, nil
}

// AcquireExclusive takes the lock in exclusive mode, retrying under the lock
// policy. It waits for every in-process shared holder to release, so the
// file lock is never converted out from under an active reader or writer.
// The returned release function must be called on every exit path.
func (l *FileLock) AcquireExclusive(ctx context.Context) (func(), error) {
	l.rw.Lock()

	if err := l.flockRetry(ctx, true); err != nil {
		l.rw.Unlock()
		return nil, err
	}

	return func() {
		l.unlock()
		l.rw.Unlock()
	}, nil
}

func (l *FileLock) flockRetry(ctx context.Context, exclusive bool) error {
	op := func() error {
		err := flock(l.f, exclusive)
		if err == nil {
			return nil
		}
		if isWouldBlock(err) {
			return err // transient, retry
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.retry.Sleep), l.retry.Attempts),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if isWouldBlock(err) || ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
		}
		return err
	}
	return nil
}

func (l *FileLock) unlock() {
	_ = funlock(l.f)
}

// Close releases any held lock and closes the lock file handle. The file
// itself stays on disk.
func (l *FileLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shared > 0 {
		l.unlock()
		l.shared = 0
	}
	return l.f.Close()
}
