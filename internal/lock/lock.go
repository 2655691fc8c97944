// Package lock provides the process-level state lock that keeps a single
// writer on the deckhand state directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrHeld is returned by TryAcquire when another process holds the lock.
var ErrHeld = errors.New("state lock held by another process")

// FileName is the lock file inside <stateDir>/locks.
const FileName = "state.lock"

// Lock is an exclusive flock on the state lock file.
type Lock struct {
	file *os.File
}

func open(stateDir string) (*os.File, error) {
	dir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// Acquire blocks until the state lock is held.
func Acquire(stateDir string) (*Lock, error) {
	f, err := open(stateDir)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", FileName, err)
	}
	return &Lock{file: f}, nil
}

// TryAcquire takes the lock without blocking, failing with ErrHeld if busy.
func TryAcquire(stateDir string) (*Lock, error) {
	f, err := open(stateDir)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("lock %s: %w", FileName, err)
	}
	return &Lock{file: f}, nil
}

// Release unlocks and closes the lock file. Releasing a nil lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("unlock %s: %w", FileName, err)
	}
	return f.Close()
}
