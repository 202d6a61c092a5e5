package queue

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"reliable-jobs/internal/models"
	"reliable-jobs/internal/telemetry"
)

// Fallback serves every operation from primary and, when primary errors,
// from secondary. Dequeue takes whichever head was queued first, so jobs
// stranded in secondary during an outage keep their FIFO position. Depths
// include both sides so backpressure accounts for stranded work.
type Fallback struct {
	primary   Backend
	secondary Backend
	log       *zap.Logger
}

// NewFallback wraps primary (usually Redis) with secondary (usually the file backend).
func NewFallback(primary, secondary Backend, log *zap.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, log: telemetry.OrNop(log)}
}

// Name implements Backend.
func (f *Fallback) Name() string { return f.primary.Name() + "+" + f.secondary.Name() }

func (f *Fallback) fellBack(op string, err error) {
	telemetry.QueueFallbacks.WithLabelValues(op).Inc()
	f.log.Warn("queue backend unavailable, using fallback",
		zap.String("op", op),
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.secondary.Name()),
		zap.Error(err),
	)
}

// Enqueue implements Backend.
func (f *Fallback) Enqueue(ctx context.Context, job models.Job) error {
	err := f.primary.Enqueue(ctx, job)
	if err == nil {
		return nil
	}
	f.fellBack("enqueue", err)
	return f.secondary.Enqueue(ctx, job)
}

// Dequeue implements Backend.
func (f *Fallback) Dequeue(ctx context.Context) (*models.Job, error) {
	side, _, err := f.head(ctx, "dequeue")
	if errors.Is(err, models.ErrInvalidJob) {
		// pop the bad record so the caller can dead-letter it
		return side.Dequeue(ctx)
	}
	if err != nil || side == nil {
		return nil, err
	}
	if side == f.secondary {
		return f.secondary.Dequeue(ctx)
	}
	job, err := f.primary.Dequeue(ctx)
	if err == nil || errors.Is(err, models.ErrInvalidJob) {
		return job, err
	}
	f.fellBack("dequeue", err)
	return nil, nil
}

// Peek implements Backend.
func (f *Fallback) Peek(ctx context.Context) (*models.Job, error) {
	_, job, err := f.head(ctx, "peek")
	return job, err
}

// head returns the side whose head job was queued first; ties go to primary.
// An undecodable head is returned with its side so Dequeue can pop it.
func (f *Fallback) head(ctx context.Context, op string) (Backend, *models.Job, error) {
	local, err := f.secondary.Peek(ctx)
	if err != nil {
		return f.secondary, nil, err
	}
	remote, err := f.primary.Peek(ctx)
	switch {
	case errors.Is(err, models.ErrInvalidJob):
		return f.primary, nil, err
	case err != nil:
		f.fellBack(op, err)
		remote = nil
	}

	switch {
	case local == nil && remote == nil:
		return nil, nil, nil
	case remote == nil, local != nil && local.QueuedAt.Before(remote.QueuedAt):
		return f.secondary, local, nil
	default:
		return f.primary, remote, nil
	}
}

// Size implements Backend.
func (f *Fallback) Size(ctx context.Context) (int, error) {
	stranded, err := f.secondary.Size(ctx)
	if err != nil {
		return 0, err
	}
	n, err := f.primary.Size(ctx)
	if err != nil {
		f.fellBack("size", err)
		return stranded, nil
	}
	return n + stranded, nil
}

// MoveToDLQ implements Backend.
func (f *Fallback) MoveToDLQ(ctx context.Context, entry models.DLQEntry) error {
	err := f.primary.MoveToDLQ(ctx, entry)
	if err == nil {
		return nil
	}
	f.fellBack("move_to_dlq", err)
	return f.secondary.MoveToDLQ(ctx, entry)
}

// ListDLQ implements Backend. Entries from both sides are merged newest
// first by failedAt.
func (f *Fallback) ListDLQ(ctx context.Context, limit int) ([]models.DLQEntry, error) {
	local, err := f.secondary.ListDLQ(ctx, limit)
	if err != nil {
		return nil, err
	}
	remote, err := f.primary.ListDLQ(ctx, limit)
	if err != nil {
		f.fellBack("list_dlq", err)
		return local, nil
	}
	merged := append(local, remote...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].FailedAt.After(merged[j].FailedAt)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// DLQSize implements Backend.
func (f *Fallback) DLQSize(ctx context.Context) (int, error) {
	local, err := f.secondary.DLQSize(ctx)
	if err != nil {
		return 0, err
	}
	n, err := f.primary.DLQSize(ctx)
	if err != nil {
		f.fellBack("dlq_size", err)
		return local, nil
	}
	return n + local, nil
}
