package queue

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

// FileQueue is the embedded backend: two append-only JSON-lines files, one for
// the main FIFO and one for the DLQ. Dequeue pops the head by rewriting the
// remainder of the file.
//
// Every operation holds an advisory lock on queue.jsonl.lock, so the api,
// worker and jobctl processes of one host may share the directory. The lock
// does not hold across hosts or on network filesystems; use RedisQueue there.
type FileQueue struct {
	lock      *filelock.Locker
	queuePath string
	dlqPath   string
}

// NewFileQueue creates dir if needed and stores queue.jsonl and dlq.jsonl in it.
func NewFileQueue(dir string) (*FileQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	queuePath := filepath.Join(dir, "queue.jsonl")
	return &FileQueue{
		lock:      filelock.New(queuePath),
		queuePath: queuePath,
		dlqPath:   filepath.Join(dir, "dlq.jsonl"),
	}, nil
}

// Name implements Backend.
func (q *FileQueue) Name() string { return "file" }

// Enqueue appends one line to the queue file.
func (q *FileQueue) Enqueue(_ context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.lock.Do(func() error { return appendLine(q.queuePath, raw) })
}

// Dequeue removes and returns the first record. A head record that cannot be
// decoded is still removed and comes back as *models.InvalidRecordError, so
// one bad line cannot wedge the queue and the caller can dead-letter it.
func (q *FileQueue) Dequeue(_ context.Context) (*models.Job, error) {
	var head []byte
	err := q.lock.Do(func() error {
		lines, err := readLines(q.queuePath)
		if err != nil || len(lines) == 0 {
			return err
		}
		head = lines[0]
		return rewriteLines(q.queuePath, lines[1:])
	})
	if err != nil || head == nil {
		return nil, err
	}
	return decodeJob(head)
}

// Peek returns the first record without removing it.
func (q *FileQueue) Peek(_ context.Context) (*models.Job, error) {
	var head []byte
	err := q.lock.Do(func() error {
		lines, err := readLines(q.queuePath)
		if err == nil && len(lines) > 0 {
			head = lines[0]
		}
		return err
	})
	if err != nil || head == nil {
		return nil, err
	}
	return decodeJob(head)
}

func decodeJob(raw []byte) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, &models.InvalidRecordError{Raw: string(raw), Err: err}
	}
	return &job, nil
}

// Size counts records in the queue file.
func (q *FileQueue) Size(_ context.Context) (int, error) {
	return q.count(q.queuePath)
}

// MoveToDLQ appends one line to the DLQ file.
func (q *FileQueue) MoveToDLQ(_ context.Context, entry models.DLQEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dlq entry: %w", err)
	}
	return q.lock.Do(func() error { return appendLine(q.dlqPath, raw) })
}

// ListDLQ returns the newest limit entries, newest first.
func (q *FileQueue) ListDLQ(_ context.Context, limit int) ([]models.DLQEntry, error) {
	if limit <= 0 {
		return []models.DLQEntry{}, nil
	}
	var lines [][]byte
	err := q.lock.Do(func() (err error) {
		lines, err = readLines(q.dlqPath)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.DLQEntry, 0, min(limit, len(lines)))
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		var entry models.DLQEntry
		if err := json.Unmarshal(lines[i], &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// DLQSize counts records in the DLQ file.
func (q *FileQueue) DLQSize(_ context.Context) (int, error) {
	return q.count(q.dlqPath)
}

func (q *FileQueue) count(path string) (int, error) {
	var n int
	err := q.lock.Do(func() error {
		lines, err := readLines(path)
		n = len(lines)
		return err
	})
	return n, err
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return f.Sync()
}

// readLines returns the non-blank lines of path; a missing file is empty.
func readLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}

// rewriteLines replaces path through a temp file and rename.
func rewriteLines(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
