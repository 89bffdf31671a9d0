// Package locks provides the cross-process exclusive-create file locks that
// guard long-running index builds. Locks survive crashes; a stale-clear
// operation is the recovery path.
package locks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrHeld means another process (or a crashed one) holds the lock.
var ErrHeld = errors.New("lock already held")

// Info is the JSON body written into a lock file.
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock is one acquired file lock.
type Lock struct {
	path string
}

// Names of the well-known warehouse locks.
const (
	VoteRequestIndexLock = "vote_request_index.lock"
	TemplateIndexLock    = "template_file_index.lock"
)

// Acquire creates dir/name exclusively. Returns ErrHeld when the file
// already exists.
func Acquire(dir, name string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()
	body, _ := json.Marshal(Info{PID: os.Getpid(), StartedAt: time.Now().UTC()})
	if _, err := f.Write(body); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Holder reads the lock info, or nil when the lock is free.
func Holder(dir, name string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		// Unreadable body still means held; report what we know.
		return &Info{}, nil
	}
	return &info, nil
}

// ClearStale removes the lock when its holder started more than maxAge ago
// (or the body is unreadable). Returns whether anything was removed.
func ClearStale(dir, name string, maxAge time.Duration) (bool, error) {
	info, err := Holder(dir, name)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	if !info.StartedAt.IsZero() && time.Since(info.StartedAt) < maxAge {
		return false, nil
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}
