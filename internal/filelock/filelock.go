// Package filelock serializes read-modify-write cycles on the embedded file
// backends across goroutines and across processes sharing one data dir.
package filelock

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Locker guards one file. The advisory lock lives in a sibling ".lock" file
// so it survives the guarded file being replaced by rename.
type Locker struct {
	mu sync.Mutex
	fl *flock.Flock
}

// New returns a Locker for path.
func New(path string) *Locker {
	return &Locker{fl: flock.New(path + ".lock")}
}

// Do runs fn while holding the in-process mutex and the exclusive file lock.
func (l *Locker) Do(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", filepath.Base(l.fl.Path()), err)
	}
	defer func() { _ = l.fl.Unlock() }()
	return fn()
}
