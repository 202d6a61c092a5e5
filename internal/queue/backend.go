package queue

import (
	"context"

	"reliable-jobs/internal/models"
)

// Backend is the storage contract both queue implementations satisfy. It holds
// no policy: defaults, backpressure and retry routing live in JobQueue.
type Backend interface {
	// Enqueue appends a job to the tail of the main FIFO.
	Enqueue(ctx context.Context, job models.Job) error
	// Dequeue pops the head of the main FIFO, or returns nil when empty. It never
	// blocks. A popped record that cannot be decoded is reported as
	// *models.InvalidRecordError.
	Dequeue(ctx context.Context) (*models.Job, error)
	// Peek returns the head of the main FIFO without removing it, or nil when empty.
	Peek(ctx context.Context) (*models.Job, error)
	// Size returns the main FIFO depth.
	Size(ctx context.Context) (int, error)
	// MoveToDLQ appends to the dead-letter FIFO.
	MoveToDLQ(ctx context.Context, entry models.DLQEntry) error
	// ListDLQ returns up to limit entries, most recent first.
	ListDLQ(ctx context.Context, limit int) ([]models.DLQEntry, error)
	// DLQSize returns the dead-letter FIFO depth.
	DLQSize(ctx context.Context) (int, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}
