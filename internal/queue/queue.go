package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reliable-jobs/internal/models"
	"reliable-jobs/internal/telemetry"
)

// ErrBackpressureRejected is returned by Enqueue when the hard limit is reached.
// The job was not stored; the producer must back off and try again later.
var ErrBackpressureRejected = errors.New("QUEUE_BACKPRESSURE_REJECTED")

// Retry routing outcomes.
const (
	ActionRetried = "retried"
	ActionDLQ     = "dlq"
)

// Defaults applied when Options leaves a field unset.
const (
	DefaultMaxAttempts = 3
	DefaultSoftLimit   = 500
	DefaultHardLimit   = 1000
	DefaultDefer       = 150 * time.Millisecond
)

// Options configures backpressure and retry routing.
type Options struct {
	MaxAttempts int
	SoftLimit   int
	HardLimit   int
	Defer       time.Duration
}

func (o *Options) normalize() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.HardLimit <= 0 {
		o.HardLimit = DefaultHardLimit
	}
	if o.SoftLimit <= 0 {
		o.SoftLimit = DefaultSoftLimit
	}
	if o.SoftLimit > o.HardLimit {
		o.SoftLimit = o.HardLimit
	}
	if o.Defer < 0 {
		o.Defer = 0
	}
}

// RetryResult reports where RequeueWithRetry routed a failed job.
type RetryResult struct {
	Action  string           `json:"action"`
	Attempt int              `json:"attempt"`
	Job     models.Job       `json:"item"`
	Entry   *models.DLQEntry `json:"dlqEntry,omitempty"`
}

// JobQueue owns the job lifecycle on top of a Backend: id/attempt defaults,
// backpressure, retry accounting and dead-lettering.
type JobQueue struct {
	backend Backend
	opts    Options
	log     *zap.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New wraps backend with the given options.
func New(backend Backend, opts Options, log *zap.Logger) *JobQueue {
	opts.normalize()
	return &JobQueue{
		backend: backend,
		opts:    opts,
		log:     telemetry.OrNop(log),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Backend returns the storage backend in use.
func (q *JobQueue) Backend() Backend { return q.backend }

// MaxAttempts returns the configured attempt budget.
func (q *JobQueue) MaxAttempts() int { return q.opts.MaxAttempts }

// Enqueue stores job at the tail of the queue. Unless ignoreBackpressure is
// set, a depth at the hard limit rejects the call and a depth at the soft
// limit delays it by the configured defer before storing.
func (q *JobQueue) Enqueue(ctx context.Context, job models.Job, ignoreBackpressure bool) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return models.Job{}, err
	}

	if !ignoreBackpressure {
		depth, err := q.Size(ctx)
		if err != nil {
			return models.Job{}, fmt.Errorf("read queue depth: %w", err)
		}
		if depth >= q.opts.HardLimit {
			telemetry.BackpressureRejected.Inc()
			return models.Job{}, fmt.Errorf("%w: depth %d reached hard limit %d", ErrBackpressureRejected, depth, q.opts.HardLimit)
		}
		if depth >= q.opts.SoftLimit {
			telemetry.BackpressureDeferred.Inc()
			q.log.Debug("queue above soft limit, deferring producer",
				zap.Int("depth", depth),
				zap.Int("soft_limit", q.opts.SoftLimit),
				zap.Duration("defer", q.opts.Defer),
			)
			if err := q.sleep(ctx, q.opts.Defer); err != nil {
				return models.Job{}, err
			}
		}
	}

	if job.QueuedAt.IsZero() {
		job.QueuedAt = q.now().UTC()
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}

	if err := q.backend.Enqueue(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(telemetry.Label(job.Type)).Inc()
	return job, nil
}

// Dequeue pops the oldest job, or returns nil when the queue is empty.
func (q *JobQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	return q.backend.Dequeue(ctx)
}

// Size returns the current queue depth.
func (q *JobQueue) Size(ctx context.Context) (int, error) {
	n, err := q.backend.Size(ctx)
	if err == nil {
		telemetry.QueueDepthGauge.Set(float64(n))
	}
	return n, err
}

// DLQSize returns the current dead-letter depth.
func (q *JobQueue) DLQSize(ctx context.Context) (int, error) {
	n, err := q.backend.DLQSize(ctx)
	if err == nil {
		telemetry.DLQDepthGauge.Set(float64(n))
	}
	return n, err
}

// MoveToDlq records job in the dead-letter queue. The caller has already
// removed it from the main queue.
func (q *JobQueue) MoveToDlq(ctx context.Context, job models.Job, errorMessage string) (models.DLQEntry, error) {
	entry := models.DLQEntry{Job: job, FailedAt: q.now().UTC(), Error: errorMessage}
	if err := q.backend.MoveToDLQ(ctx, entry); err != nil {
		return models.DLQEntry{}, fmt.Errorf("move %s to dlq: %w", job.ID, err)
	}
	return entry, nil
}

// DeadLetterRecord stores a queued record that could not be decoded. The
// entry keeps the raw record and whatever envelope fields it still carries.
func (q *JobQueue) DeadLetterRecord(ctx context.Context, rec *models.InvalidRecordError) (models.DLQEntry, error) {
	entry := models.DLQEntry{
		Job:      rec.Salvage(),
		FailedAt: q.now().UTC(),
		Error:    rec.Error(),
		Raw:      rec.Raw,
	}
	if err := q.backend.MoveToDLQ(ctx, entry); err != nil {
		return models.DLQEntry{}, fmt.Errorf("dead-letter undecodable record: %w", err)
	}
	return entry, nil
}

// RequeueWithRetry increments the attempt counter and either re-enqueues the
// job or, once the attempt budget is spent, dead-letters it. Retries bypass
// backpressure: rejecting one would drop work that was already accepted.
func (q *JobQueue) RequeueWithRetry(ctx context.Context, job models.Job, errorMessage string) (RetryResult, error) {
	job.Attempt++
	if job.Attempt >= q.opts.MaxAttempts {
		entry, err := q.MoveToDlq(ctx, job, errorMessage)
		if err != nil {
			return RetryResult{}, err
		}
		return RetryResult{Action: ActionDLQ, Attempt: job.Attempt, Job: job, Entry: &entry}, nil
	}

	requeued, err := q.Enqueue(ctx, job, true)
	if err != nil {
		return RetryResult{}, err
	}
	return RetryResult{Action: ActionRetried, Attempt: requeued.Attempt, Job: requeued}, nil
}

// ListDlq returns up to limit dead-lettered jobs, most recent first.
func (q *JobQueue) ListDlq(ctx context.Context, limit int) ([]models.DLQEntry, error) {
	return q.backend.ListDLQ(ctx, limit)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
