// Package flock provides the per-resource advisory locking and
// tmp-file-plus-rename atomic write primitives that every durable store in
// this repository (task files, history files, A2A job files) is built on
// top of. It generalizes the teacher runtime's lease/heartbeat discipline
// in internal/engine/engine.go (a leaf mutex, never held across I/O; a
// unique owner token to detect stale state) onto real cross-process file
// locks using github.com/gofrs/flock, since §5 requires locks that survive
// separate OS processes, not just goroutines inside one.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ErrLocked is returned when a lock could not be acquired within the retry
// budget. Per §7, this surfaces synchronously to the caller and mutates
// nothing.
var ErrLocked = errors.New("flock: resource locked")

const defaultRetryDelay = 20 * time.Millisecond

// Lock is a held advisory lock on a filesystem resource. The zero value is
// not usable; obtain one via Acquire.
type Lock struct {
	fl    *flock.Flock
	path  string
	owner string
}

// Owner returns the unique token this lock was acquired with. Writing this
// token into the protected resource's lock file (as Acquire does) lets a
// later reader distinguish "the lock I remember" from a different holder
// that has since acquired and released the same path, preventing ABA
// confusion when diagnosing a stuck lock from outside the locking process.
func (l *Lock) Owner() string { return l.owner }

// Acquire takes the advisory lock at lockPath, retrying with a small fixed
// delay until ctx is done. On success it stamps the lock file with a fresh
// unique owner token. Callers must call Release when done; the lock must
// never be held across anything but the critical section it protects.
func Acquire(ctx context.Context, lockPath string) (*Lock, error) {
	fl := flock.New(lockPath)
	ok, err := fl.TryLockContext(ctx, defaultRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock: acquire %s: %w", lockPath, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	owner := uuid.NewString()
	// Best-effort: a failure to stamp the owner token does not invalidate
	// the OS-level lock, which is what actually provides exclusion.
	_ = os.WriteFile(lockPath, []byte(owner), 0o644)

	return &Lock{fl: fl, path: lockPath, owner: owner}, nil
}

// AcquireTimeout is a convenience wrapper around Acquire with a fixed
// overall retry budget.
func AcquireTimeout(lockPath string, budget time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	return Acquire(ctx, lockPath)
}

// Release releases the lock. It is safe to call at most once.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("flock: release %s: %w", l.path, err)
	}
	return nil
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by an atomic rename, so concurrent readers only ever observe a
// fully-written file or the previous one, never a partial write. Grounded
// on the atomic-replace discipline the teacher's SQLite backup path
// (VACUUM INTO a fresh file, then an atomic move) relies on for the same
// guarantee.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return fmt.Errorf("write atomic: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write atomic: write: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("write atomic: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write atomic: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("write atomic: rename: %w", err)
	}
	return nil
}
