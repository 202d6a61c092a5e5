package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"reliable-jobs/internal/models"
)

func TestFallbackUsesSecondaryWhenPrimaryDown(t *testing.T) {
	ctx := context.Background()
	primary, mr := newRedisQueue(t)
	secondary := newFileQueue(t)
	fb := NewFallback(primary, secondary, zaptest.NewLogger(t))

	if err := fb.Enqueue(ctx, testJob("up")); err != nil {
		t.Fatalf("enqueue while primary is up: %v", err)
	}
	if n, _ := secondary.Size(ctx); n != 0 {
		t.Fatalf("secondary must stay empty while primary is healthy, got %d", n)
	}

	mr.Close()

	if err := fb.Enqueue(ctx, testJob("down")); err != nil {
		t.Fatalf("enqueue must fall back, got %v", err)
	}
	if n, _ := secondary.Size(ctx); n != 1 {
		t.Fatalf("expected job stored in secondary, got %d", n)
	}
	if n, err := fb.Size(ctx); err != nil || n != 1 {
		t.Fatalf("size with primary down should report the secondary depth, got %d err=%v", n, err)
	}

	entry := models.DLQEntry{Job: testJob("dead"), Error: "boom"}
	if err := fb.MoveToDLQ(ctx, entry); err != nil {
		t.Fatalf("dlq must fall back, got %v", err)
	}
	entries, err := fb.ListDLQ(ctx, 10)
	if err != nil || len(entries) != 1 || entries[0].ID != "dead" {
		t.Fatalf("expected the fallback DLQ entry, got %+v err=%v", entries, err)
	}

	job, err := fb.Dequeue(ctx)
	if err != nil || job == nil || job.ID != "down" {
		t.Fatalf("expected stranded job drained from secondary, got %+v err=%v", job, err)
	}
	job, err = fb.Dequeue(ctx)
	if err != nil || job != nil {
		t.Fatalf("expected an empty poll while primary is down, got %+v err=%v", job, err)
	}
}

func TestFallbackDequeuesOldestHeadFirst(t *testing.T) {
	ctx := context.Background()
	primary, _ := newRedisQueue(t)
	secondary := newFileQueue(t)
	fb := NewFallback(primary, secondary, nil)

	at := func(id string, minute int) models.Job {
		job := testJob(id)
		job.QueuedAt = job.QueuedAt.Add(time.Duration(minute) * time.Minute)
		return job
	}
	_ = primary.Enqueue(ctx, at("remote-1", 0))
	_ = secondary.Enqueue(ctx, at("stranded-1", 1))
	_ = primary.Enqueue(ctx, at("remote-2", 2))
	_ = secondary.Enqueue(ctx, at("stranded-2", 2))

	if n, _ := fb.Size(ctx); n != 4 {
		t.Fatalf("expected combined depth 4, got %d", n)
	}
	if head, err := fb.Peek(ctx); err != nil || head == nil || head.ID != "remote-1" {
		t.Fatalf("expected peek to show the oldest job, got %+v err=%v", head, err)
	}

	var order []string
	for {
		job, err := fb.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	want := []string{"remote-1", "stranded-1", "remote-2", "stranded-2"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("expected queuedAt order %v, got %v", want, order)
	}
	if fb.Name() != "redis+file" {
		t.Fatalf("unexpected name %q", fb.Name())
	}
}

func TestFallbackPopsUndecodableSecondaryHead(t *testing.T) {
	ctx := context.Background()
	primary, _ := newRedisQueue(t)
	dir := t.TempDir()
	secondary, err := NewFileQueue(dir)
	if err != nil {
		t.Fatalf("file queue: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "queue.jsonl"), []byte("{oops\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = primary.Enqueue(ctx, testJob("remote"))
	fb := NewFallback(primary, secondary, nil)

	_, err = fb.Dequeue(ctx)
	var rec *models.InvalidRecordError
	if !errors.As(err, &rec) || rec.Raw != "{oops" {
		t.Fatalf("expected the bad record back, got %v", err)
	}
	job, err := fb.Dequeue(ctx)
	if err != nil || job == nil || job.ID != "remote" {
		t.Fatalf("expected the remote job next, got %+v err=%v", job, err)
	}
}

func TestFallbackListDLQMergesByFailedAt(t *testing.T) {
	ctx := context.Background()
	primary, _ := newRedisQueue(t)
	secondary := newFileQueue(t)
	fb := NewFallback(primary, secondary, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dead := func(id string, minute int) models.DLQEntry {
		return models.DLQEntry{Job: testJob(id), FailedAt: base.Add(time.Duration(minute) * time.Minute), Error: "boom"}
	}
	_ = primary.MoveToDLQ(ctx, dead("remote-old", 0))
	_ = secondary.MoveToDLQ(ctx, dead("local-mid", 1))
	_ = primary.MoveToDLQ(ctx, dead("remote-new", 2))

	entries, err := fb.ListDLQ(ctx, 2)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "remote-new" || entries[1].ID != "local-mid" {
		t.Fatalf("expected [remote-new local-mid], got %+v", entries)
	}
	if n, _ := fb.DLQSize(ctx); n != 3 {
		t.Fatalf("expected combined dlq depth 3, got %d", n)
	}
}
