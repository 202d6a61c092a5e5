// Package alert delivers dead-letter notifications on a side channel that
// never blocks the worker loop.
package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"reliable-jobs/internal/telemetry"
)

// Alert describes a job that exhausted its attempts.
type Alert struct {
	Kind      string    `json:"kind"`
	JobID     string    `json:"jobId"`
	JobType   string    `json:"jobType"`
	Attempt   int       `json:"attempt"`
	PublishID string    `json:"publishId,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failedAt"`
}

// KindDeadLetter is the only alert kind emitted today.
const KindDeadLetter = "job.dead_lettered"

// Notifier delivers one alert.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher runs deliveries in the background with a per-alert timeout.
// Failures are logged and counted, never returned.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewDispatcher wraps n. A nil notifier makes Fire a no-op.
func NewDispatcher(n Notifier, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{notifier: n, timeout: timeout, log: telemetry.OrNop(log)}
}

// Fire schedules delivery of a and returns immediately.
func (d *Dispatcher) Fire(a Alert) {
	if d == nil || d.notifier == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, a); err != nil {
			telemetry.AlertFailures.Inc()
			d.log.Warn("alert delivery failed",
				zap.String("kind", a.Kind),
				zap.String("job_id", a.JobID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every fired alert has been delivered or has failed.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}
