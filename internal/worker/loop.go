package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"reliable-jobs/internal/alert"
	"reliable-jobs/internal/audit"
	"reliable-jobs/internal/idempotency"
	"reliable-jobs/internal/models"
	"reliable-jobs/internal/queue"
	"reliable-jobs/internal/telemetry"
)

// Outcome is the terminal state of one tick.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeCompleted Outcome = "completed"
	OutcomeDuplicate Outcome = "duplicate_skipped"
	OutcomeRetried   Outcome = "retried"
	OutcomeDLQ       Outcome = "dlq"
)

// DefaultPollInterval is the idle sleep between empty polls.
const DefaultPollInterval = time.Second

// Stats counts tick outcomes since the loop started. Duplicates are also
// counted as completed.
type Stats struct {
	Completed    int64 `json:"completed"`
	Duplicates   int64 `json:"duplicates"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
}

// LoopConfig carries the loop's collaborators, each built once per process.
type LoopConfig struct {
	Queue        *queue.JobQueue
	Ledger       idempotency.Ledger
	Audit        *audit.Chain
	Processor    Processor
	Alerts       *alert.Dispatcher
	PollInterval time.Duration
	WorkerID     string
	Logger       *zap.Logger
}

// Loop pulls one job at a time and routes its outcome. It never runs two
// jobs concurrently.
type Loop struct {
	queue     *queue.JobQueue
	ledger    idempotency.Ledger
	chain     *audit.Chain
	processor Processor
	alerts    *alert.Dispatcher
	poll      time.Duration
	workerID  string
	log       *zap.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error

	completed    atomic.Int64
	duplicates   atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

func NewLoop(cfg LoopConfig) *Loop {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Loop{
		queue:     cfg.Queue,
		ledger:    cfg.Ledger,
		chain:     cfg.Audit,
		processor: cfg.Processor,
		alerts:    cfg.Alerts,
		poll:      poll,
		workerID:  cfg.WorkerID,
		log:       telemetry.OrNop(cfg.Logger),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Stats returns a snapshot of the outcome counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Completed:    l.completed.Load(),
		Duplicates:   l.duplicates.Load(),
		Retried:      l.retried.Load(),
		DeadLettered: l.deadLettered.Load(),
	}
}

// Run ticks until ctx is cancelled. Cancellation is observed between ticks;
// a job that already started runs to completion.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("worker loop started", zap.String("worker_id", l.workerID), zap.Duration("poll", l.poll))
	for {
		if err := ctx.Err(); err != nil {
			l.log.Info("worker loop stopped", zap.Any("stats", l.Stats()))
			return err
		}

		outcome, err := l.Tick(ctx)
		if err != nil {
			l.log.Error("worker tick failed", zap.Error(err))
		}
		if outcome != OutcomeIdle && err == nil {
			continue
		}
		if err := l.sleep(ctx, l.poll); err != nil {
			l.log.Info("worker loop stopped", zap.Any("stats", l.Stats()))
			return err
		}
	}
}

// Tick dequeues and fully handles at most one job.
func (l *Loop) Tick(ctx context.Context) (Outcome, error) {
	job, err := l.queue.Dequeue(ctx)
	var rec *models.InvalidRecordError
	if errors.As(err, &rec) {
		return l.deadLetterRecord(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		return OutcomeIdle, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return OutcomeIdle, nil
	}
	return l.handle(context.WithoutCancel(ctx), *job)
}

func (l *Loop) handle(ctx context.Context, job models.Job) (Outcome, error) {
	log := l.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempt),
	)
	key := idempotency.JobKey(job)

	processed, err := l.ledger.IsProcessed(ctx, key)
	if err != nil {
		return l.fail(ctx, log, job, fmt.Errorf("idempotency check: %w", err))
	}
	if processed {
		l.record(ctx, job, models.EventDuplicateSkipped, map[string]any{"jobKey": key})
		l.duplicates.Add(1)
		l.completed.Add(1)
		telemetry.WorkerDuplicates.WithLabelValues(telemetry.Label(job.Type)).Inc()
		telemetry.WorkerSuccess.WithLabelValues(telemetry.Label(job.Type)).Inc()
		log.Info("duplicate delivery skipped", zap.String("job_key", key))
		return OutcomeDuplicate, nil
	}

	start := l.now()
	if err := l.processor.Process(ctx, job); err != nil {
		return l.fail(ctx, log, job, err)
	}
	elapsed := l.now().Sub(start)

	if err := l.ledger.MarkProcessed(ctx, key); err != nil {
		// the side effect already happened; a retry would repeat it
		log.Error("mark processed failed", zap.String("job_key", key), zap.Error(err))
	}
	l.record(ctx, job, models.EventJobCompleted, map[string]any{"durationMs": elapsed.Milliseconds()})
	l.completed.Add(1)
	telemetry.WorkerSuccess.WithLabelValues(telemetry.Label(job.Type)).Inc()
	log.Info("job completed", zap.Duration("elapsed", elapsed))
	return OutcomeCompleted, nil
}

func (l *Loop) fail(ctx context.Context, log *zap.Logger, job models.Job, cause error) (Outcome, error) {
	res, err := l.queue.RequeueWithRetry(ctx, job, cause.Error())
	if err != nil {
		log.Error("failed job could not be routed", zap.NamedError("cause", cause), zap.Error(err), zap.Any("job", job))
		return OutcomeIdle, fmt.Errorf("route failed job %s: %w", job.ID, err)
	}

	l.record(ctx, job, models.EventJobFailed, map[string]any{
		"error":   cause.Error(),
		"action":  res.Action,
		"attempt": res.Attempt,
	})

	if res.Action == queue.ActionRetried {
		l.retried.Add(1)
		telemetry.WorkerRetries.WithLabelValues(telemetry.Label(job.Type)).Inc()
		log.Warn("job failed, retrying", zap.Int("next_attempt", res.Attempt), zap.Error(cause))
		return OutcomeRetried, nil
	}

	l.deadLettered.Add(1)
	telemetry.WorkerDeadLetter.WithLabelValues(telemetry.Label(job.Type)).Inc()
	log.Error("job moved to dlq", zap.Int("attempts", res.Attempt), zap.Error(cause))

	failedAt := l.now().UTC()
	if res.Entry != nil {
		failedAt = res.Entry.FailedAt
	}
	l.alerts.Fire(alert.Alert{
		Kind:      alert.KindDeadLetter,
		JobID:     job.ID,
		JobType:   job.Type,
		Attempt:   res.Attempt,
		PublishID: job.PublishID(),
		TenantID:  job.TenantID(),
		Error:     cause.Error(),
		FailedAt:  failedAt,
	})
	return OutcomeDLQ, nil
}

// deadLetterRecord routes a popped record that could not be decoded straight
// to the DLQ. It can never succeed, so no attempt is spent on it.
func (l *Loop) deadLetterRecord(ctx context.Context, rec *models.InvalidRecordError) (Outcome, error) {
	entry, err := l.queue.DeadLetterRecord(ctx, rec)
	if err != nil {
		l.log.Error("undecodable queue record lost", zap.String("raw", rec.Raw), zap.NamedError("cause", rec), zap.Error(err))
		return OutcomeIdle, err
	}
	job := entry.Job

	l.record(ctx, job, models.EventJobFailed, map[string]any{
		"error":  entry.Error,
		"action": queue.ActionDLQ,
	})
	l.deadLettered.Add(1)
	telemetry.WorkerDeadLetter.WithLabelValues(telemetry.Label(job.Type)).Inc()
	l.log.Error("undecodable queue record moved to dlq", zap.String("job_id", job.ID), zap.String("raw", rec.Raw), zap.Error(rec))

	l.alerts.Fire(alert.Alert{
		Kind:      alert.KindDeadLetter,
		JobID:     job.ID,
		JobType:   job.Type,
		Attempt:   job.Attempt,
		PublishID: job.PublishID(),
		TenantID:  job.TenantID(),
		Error:     entry.Error,
		FailedAt:  entry.FailedAt,
	})
	return OutcomeDLQ, nil
}

// record appends to the audit chain. Audit is a side-effect sink, so a
// failed append is logged and the job outcome stands.
func (l *Loop) record(ctx context.Context, job models.Job, eventType string, extra map[string]any) {
	if l.chain == nil {
		return
	}
	payload := map[string]any{
		"jobId":   job.ID,
		"jobType": job.Type,
		"attempt": job.Attempt,
	}
	if l.workerID != "" {
		payload["workerId"] = l.workerID
	}
	for k, v := range extra {
		payload[k] = v
	}
	_, err := l.chain.Append(ctx, audit.Entry{
		TenantID:  job.TenantID(),
		PublishID: job.PublishID(),
		EventType: eventType,
		ActorRole: models.DefaultAuditActorRole,
		Payload:   payload,
	})
	if err != nil {
		l.log.Error("audit append failed", zap.String("event_type", eventType), zap.String("job_id", job.ID), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
