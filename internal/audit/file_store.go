package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"reliable-jobs/internal/filelock"
	"reliable-jobs/internal/models"
)

// FileStore appends one JSON object per line to audit.jsonl. Appends hold an
// advisory lock on audit.jsonl.lock and read the tail hash from disk, so
// every process on the host that shares the directory extends one chain.
type FileStore struct {
	lock *filelock.Locker
	path string

	// tail hash as of the last append, valid while the file size is unchanged
	lastHash string
	lastSize int64
}

// NewFileStore keeps the log under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(dir, "audit.jsonl")
	return &FileStore{lock: filelock.New(path), path: path, lastSize: -1}, nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, build func(prevHash string) (models.AuditEvent, error)) (models.AuditEvent, error) {
	var ev models.AuditEvent
	err := s.lock.Do(func() error {
		prevHash, err := s.tailHash()
		if err != nil {
			return err
		}
		ev, err = build(prevHash)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}

		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(append(raw, '\n')); err != nil {
			return fmt.Errorf("write audit log: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync audit log: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat audit log: %w", err)
		}
		s.lastHash, s.lastSize = ev.ChainHash, info.Size()
		return nil
	})
	if err != nil {
		return models.AuditEvent{}, err
	}
	return ev, nil
}

// tailHash returns the chain hash of the last decodable record on disk. The
// cached value is reused only when no other writer has grown the file since
// this store's last append. Callers hold the lock.
func (s *FileStore) tailHash() (string, error) {
	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return GenesisHash, nil
	case err != nil:
		return "", fmt.Errorf("stat audit log: %w", err)
	case info.Size() == s.lastSize:
		return s.lastHash, nil
	}

	records, err := s.scan()
	if err != nil {
		return "", err
	}
	hash := GenesisHash
	for _, rec := range records {
		if rec.Event != nil {
			hash = rec.Event.ChainHash
		}
	}
	return hash, nil
}

// Scan implements Store.
func (s *FileStore) Scan(_ context.Context) ([]Record, error) {
	var records []Record
	err := s.lock.Do(func() (err error) {
		records, err = s.scan()
		return err
	})
	return records, err
}

// List implements Store. Undecodable lines are skipped.
func (s *FileStore) List(ctx context.Context, filter Filter, limit int) ([]models.AuditEvent, error) {
	records, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.AuditEvent{}
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		ev := records[i].Event
		if ev != nil && filter.Matches(*ev) {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *FileStore) scan() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev models.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			records = append(records, Record{Err: err})
			continue
		}
		records = append(records, Record{Event: &ev})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return records, nil
}
