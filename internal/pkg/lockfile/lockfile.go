// Package lockfile provides a process-local advisory lock so the state
// machine's exclusive logical ownership of the provides store (spec §5)
// can't be violated by a concurrent CLI invocation racing the daemon.
package lockfile

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lock is a held advisory file lock. Release it with Unlock.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) path and takes an exclusive,
// non-blocking flock on it. If another holder has it (unix.EWOULDBLOCK),
// ErrLocked is returned so callers can distinguish "someone else holds it"
// from other failures, which are wrapped.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, errors.Wrapf(err, "flock %s", path)
	}

	return &Lock{f: f}, nil
}

// ErrLocked is returned by Acquire when another process already holds the
// lock.
var ErrLocked = errLocked{}

type errLocked struct{}

func (errLocked) Error() string { return "lock file already held by another process" }

// Unlock releases the lock and closes the underlying file.
func (l *Lock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return errors.Wrap(err, "unlock")
	}
	return l.f.Close()
}
