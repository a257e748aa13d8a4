// Package rootlock enforces one active run per root directory with an
// advisory file lock.
package rootlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BadgerOps/gamesync/internal/failure"
)

// FileName is the lock file created inside the root directory.
const FileName = ".gamesync.lock"

// errLocked is returned by the platform lock call when another holder exists.
var errLocked = errors.New("lock held")

// Lock is a held root lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire creates root if needed and takes an exclusive, non-blocking lock
// on its lock file. It fails with failure.ErrRunInProgress when another run
// holds the lock. The lock is released by Release or when the process exits.
func Acquire(root string) (*Lock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &failure.LocalIOError{Op: "create directory", Path: root, Err: err}
	}

	path := filepath.Join(root, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &failure.LocalIOError{Op: "open lock", Path: path, Err: err}
	}

	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			return nil, fmt.Errorf("%s: %w", root, failure.ErrRunInProgress)
		}
		return nil, &failure.LocalIOError{Op: "lock", Path: path, Err: err}
	}

	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
