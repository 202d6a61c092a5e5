package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"reliable-jobs/internal/filelock"
)

// FileLedger keeps the ledger as one JSON object {jobKey: processedAt} on
// disk. Each read-modify-write holds an advisory lock on the ledger file, so
// processes on one host may share it.
type FileLedger struct {
	lock *filelock.Locker
	path string
	ttl  time.Duration
	now  func() time.Time
}

// NewFileLedger stores idempotency.json under dir.
func NewFileLedger(dir string, ttl time.Duration) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	path := filepath.Join(dir, "idempotency.json")
	return &FileLedger{
		lock: filelock.New(path),
		path: path,
		ttl:  normalizeTTL(ttl),
		now:  time.Now,
	}, nil
}

// IsProcessed purges expired entries and looks up jobKey.
func (l *FileLedger) IsProcessed(_ context.Context, jobKey string) (bool, error) {
	var ok bool
	err := l.lock.Do(func() error {
		entries, err := l.load()
		if err != nil {
			return err
		}
		cutoff := l.now().Add(-l.ttl)
		purged := false
		for k, at := range entries {
			if at.Before(cutoff) {
				delete(entries, k)
				purged = true
			}
		}
		_, ok = entries[jobKey]
		if purged {
			return l.save(entries)
		}
		return nil
	})
	return ok, err
}

// MarkProcessed records jobKey at the current time.
func (l *FileLedger) MarkProcessed(_ context.Context, jobKey string) error {
	return l.lock.Do(func() error {
		entries, err := l.load()
		if err != nil {
			return err
		}
		entries[jobKey] = l.now().UTC()
		return l.save(entries)
	})
}

func (l *FileLedger) load() (map[string]time.Time, error) {
	entries := map[string]time.Time{}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return entries, nil
}

func (l *FileLedger) save(entries map[string]time.Time) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return os.Rename(tmp, l.path)
}
