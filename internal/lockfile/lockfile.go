// Package lockfile guards long-running processes that must not run twice
// against the same directory.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockBusy is returned when another process holds the lock.
var ErrLockBusy = errors.New("lock already held by another process")

// Info is written into a held lock file so operators can see who holds it.
type Info struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Target    string    `json:"target,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes an exclusive non-blocking lock on path, creating it and its
// parent directory as needed. The holder's Info replaces the file contents.
func Acquire(path string, info Info) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	// #nosec G304 -- lock path comes from configuration
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := flockExclusiveNonBlocking(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			if held, rerr := Read(path); rerr == nil && held.PID > 0 {
				return nil, fmt.Errorf("%w: pid %d (%s) since %s", ErrLockBusy, held.PID, held.Command, held.StartedAt.Format(time.RFC3339))
			}
		}
		return nil, err
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	data, _ := json.Marshal(info)
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(data, 0)
		_ = f.Sync()
	}
	return &Lock{f: f, path: path}, nil
}

// Read returns the Info last written to a lock file.
func Read(path string) (*Info, error) {
	// #nosec G304 -- lock path comes from configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", path, err)
	}
	return &info, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and closes the file. The file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
