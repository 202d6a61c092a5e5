package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs appended to the queue"}, []string{"job_type"})
	BackpressureDeferred = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_backpressure_deferred_total", Help: "Enqueue calls slowed down by the soft limit"})
	BackpressureRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_backpressure_rejected_total", Help: "Enqueue calls rejected by the hard limit"})
	WorkerSuccess        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed, duplicates included"}, []string{"job_type"})
	WorkerDuplicates     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_duplicate_skipped_total", Help: "Deliveries skipped by the idempotency ledger"}, []string{"job_type"})
	WorkerRetries        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs that failed and were re-enqueued"}, []string{"job_type"})
	WorkerDeadLetter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to DLQ"}, []string{"job_type"})
	AlertFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_alert_failures_total", Help: "DLQ alerts that could not be delivered"})
	AuditAppends         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "audit_events_appended_total", Help: "Audit events appended to the chain"}, []string{"event_type"})
	QueueFallbacks       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_queue_fallback_total", Help: "Queue operations served by the fallback backend"}, []string{"op"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Current main queue depth"})
	DLQDepthGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_dlq_depth", Help: "Current dead-letter queue depth"})
	CircuitOpenGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "circuit_breaker_open", Help: "1 while the circuit for a dependency is open"}, []string{"key"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			BackpressureDeferred,
			BackpressureRejected,
			WorkerSuccess,
			WorkerDuplicates,
			WorkerRetries,
			WorkerDeadLetter,
			AlertFailures,
			AuditAppends,
			QueueFallbacks,
			QueueDepthGauge,
			DLQDepthGauge,
			CircuitOpenGauge,
		)
	})
	return promhttp.Handler()
}

// Label normalizes an empty label value.
func Label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
