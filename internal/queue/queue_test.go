package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"reliable-jobs/internal/models"
)

func newTestQueue(t *testing.T, opts Options) (*JobQueue, *[]time.Duration) {
	t.Helper()
	q := New(newFileQueue(t), opts, nil)
	slept := &[]time.Duration{}
	q.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return q, slept
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	job, err := q.Enqueue(context.Background(), models.Job{Type: models.JobTypeRender}, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" || job.Attempt != 0 || !job.QueuedAt.Equal(fixed) || job.Payload == nil {
		t.Fatalf("defaults not applied: %+v", job)
	}

	kept, err := q.Enqueue(context.Background(), models.Job{ID: "mine", Type: models.JobTypeRender, Attempt: 2}, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if kept.ID != "mine" || kept.Attempt != 2 {
		t.Fatalf("caller-provided fields must be preserved: %+v", kept)
	}
}

func TestEnqueueRequiresType(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	if _, err := q.Enqueue(context.Background(), models.Job{}, false); !errors.Is(err, models.ErrInvalidJob) {
		t.Fatalf("expected INVALID_JOB, got %v", err)
	}
}

// An invalid job is rejected as INVALID_JOB even when the queue is full, so
// producers are not told to back off and retry a job that can never pass.
func TestEnqueueValidatesBeforeBackpressure(t *testing.T) {
	q, slept := newTestQueue(t, Options{SoftLimit: 1, HardLimit: 1})
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender}, false); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	for name, job := range map[string]models.Job{
		"blank type":       {Type: "   "},
		"negative attempt": {Type: models.JobTypeRender, Attempt: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, job, false)
			if !errors.Is(err, models.ErrInvalidJob) || errors.Is(err, ErrBackpressureRejected) {
				t.Fatalf("expected INVALID_JOB, got %v", err)
			}
			if _, err := q.Enqueue(ctx, job, true); !errors.Is(err, models.ErrInvalidJob) {
				t.Fatalf("forced enqueue must still validate, got %v", err)
			}
		})
	}
	if n, _ := q.Size(ctx); n != 1 {
		t.Fatalf("invalid jobs must not be stored, size=%d", n)
	}
	if len(*slept) != 0 {
		t.Fatalf("invalid jobs must not be deferred, slept %v", *slept)
	}
}

func TestDeadLetterRecordKeepsRaw(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	q.now = func() time.Time { return fixed }
	ctx := context.Background()

	raw := `{"jobId":"bad","jobType":"publish.execute","publishId":"pub_3","attempt":"two"}`
	var job models.Job
	rec := &models.InvalidRecordError{Raw: raw, Err: job.UnmarshalJSON([]byte(raw))}

	entry, err := q.DeadLetterRecord(ctx, rec)
	if err != nil {
		t.Fatalf("dead-letter record: %v", err)
	}
	if entry.ID != "bad" || entry.PublishID() != "pub_3" || !entry.FailedAt.Equal(fixed) {
		t.Fatalf("unexpected entry %+v", entry)
	}

	listed, err := q.ListDlq(ctx, 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one dlq entry, got %+v err=%v", listed, err)
	}
	if listed[0].Raw != raw || !strings.HasPrefix(listed[0].Error, "INVALID_JOB: decode queued job:") {
		t.Fatalf("expected raw record and INVALID_JOB error, got %+v", listed[0])
	}
}

func TestBackpressureHardLimit(t *testing.T) {
	q, _ := newTestQueue(t, Options{SoftLimit: 1, HardLimit: 1})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender}, false); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	_, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender}, false)
	if !errors.Is(err, ErrBackpressureRejected) {
		t.Fatalf("expected QUEUE_BACKPRESSURE_REJECTED, got %v", err)
	}
	if n, _ := q.Size(ctx); n != 1 {
		t.Fatalf("rejected job must not be stored, size=%d", n)
	}
	if _, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender}, true); err != nil {
		t.Fatalf("retry enqueue must bypass backpressure: %v", err)
	}
	if n, _ := q.Size(ctx); n != 2 {
		t.Fatalf("expected size 2, got %d", n)
	}
}

func TestBackpressureSoftLimitDefers(t *testing.T) {
	q, slept := newTestQueue(t, Options{SoftLimit: 2, HardLimit: 10, Defer: 150 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender}, false); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if len(*slept) != 0 {
		t.Fatalf("no defer expected below the soft limit, got %v", *slept)
	}

	if _, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender}, false); err != nil {
		t.Fatalf("soft limit must not reject: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 150*time.Millisecond {
		t.Fatalf("expected one 150ms defer, got %v", *slept)
	}
	if n, _ := q.Size(ctx); n != 3 {
		t.Fatalf("deferred job must still be stored, size=%d", n)
	}
}

func TestSoftLimitClampedToHardLimit(t *testing.T) {
	q, _ := newTestQueue(t, Options{SoftLimit: 50, HardLimit: 5})
	if q.opts.SoftLimit != 5 {
		t.Fatalf("expected soft limit clamped to 5, got %d", q.opts.SoftLimit)
	}
}

func TestDeferHonoursCancellation(t *testing.T) {
	q := New(newFileQueue(t), Options{SoftLimit: 1, HardLimit: 10, Defer: time.Hour}, nil)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender}, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := q.Enqueue(cancelled, models.Job{Type: models.JobTypeRender}, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation during defer, got %v", err)
	}
}

func TestRequeueWithRetryScenario(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender, Payload: map[string]any{"publishId": "pub_1"}}, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	popped, _ := q.Dequeue(ctx)

	first, err := q.RequeueWithRetry(ctx, *popped, "render failed")
	if err != nil {
		t.Fatalf("first retry: %v", err)
	}
	if first.Action != ActionRetried || first.Attempt != 1 {
		t.Fatalf("expected retried/1, got %s/%d", first.Action, first.Attempt)
	}
	if first.Job.ID != job.ID {
		t.Fatalf("jobId must be preserved across retries")
	}

	popped, _ = q.Dequeue(ctx)
	if popped == nil || popped.Attempt != 1 {
		t.Fatalf("expected requeued job with attempt 1, got %+v", popped)
	}
	second, err := q.RequeueWithRetry(ctx, *popped, "render failed again")
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if second.Action != ActionDLQ || second.Attempt != 2 {
		t.Fatalf("expected dlq/2, got %s/%d", second.Action, second.Attempt)
	}

	entries, err := q.ListDlq(ctx, 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 || entries[0].PublishID() != "pub_1" {
		t.Fatalf("expected one DLQ entry for pub_1, got %+v", entries)
	}
	if entries[0].Error != "render failed again" || entries[0].FailedAt.IsZero() {
		t.Fatalf("expected failure details, got %+v", entries[0])
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Fatalf("dead-lettered job must not re-enter the queue, size=%d", n)
	}
}

func TestRequeueIgnoresBackpressure(t *testing.T) {
	q, _ := newTestQueue(t, Options{SoftLimit: 1, HardLimit: 1, MaxAttempts: 5})
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, models.Job{Type: models.JobTypeRender}, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := q.RequeueWithRetry(ctx, models.Job{ID: "r", Type: models.JobTypeRender}, "boom")
	if err != nil || res.Action != ActionRetried {
		t.Fatalf("retry must not be rejected at the hard limit: %+v err=%v", res, err)
	}
}

func TestAttemptIncrementsByOne(t *testing.T) {
	const maxAttempts = 5
	q, _ := newTestQueue(t, Options{MaxAttempts: maxAttempts})
	ctx := context.Background()
	job := models.Job{ID: "step", Type: models.JobTypePublish}

	for want := 1; want <= maxAttempts; want++ {
		res, err := q.RequeueWithRetry(ctx, job, "fail")
		if err != nil {
			t.Fatalf("retry %d: %v", want, err)
		}
		if res.Attempt != want {
			t.Fatalf("expected attempt %d, got %d", want, res.Attempt)
		}
		if want < maxAttempts && res.Action != ActionRetried {
			t.Fatalf("attempt %d reached the DLQ early", want)
		}
		if want == maxAttempts && res.Action != ActionDLQ {
			t.Fatalf("expected DLQ at attempt %d, got %s", want, res.Action)
		}
		job = res.Job
	}
}
