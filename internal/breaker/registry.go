package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"reliable-jobs/internal/telemetry"
)

// Default process-wide settings.
const (
	DefaultThreshold = 3
	DefaultCooldown  = 30 * time.Second
)

// State of one dependency circuit.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// ErrCircuitOpen is matched by every OpenError.
var ErrCircuitOpen = errors.New("CIRCUIT_OPEN")

// OpenError is returned without invoking the guarded call while a circuit is open.
type OpenError struct {
	Key       string
	OpenUntil time.Time
}

func (e *OpenError) Error() string { return "CIRCUIT_OPEN:" + e.Key }

// Is lets errors.Is(err, ErrCircuitOpen) classify the rejection.
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// IsOpen reports whether err is (or wraps) a circuit-open rejection.
func IsOpen(err error) bool { return errors.Is(err, ErrCircuitOpen) }

type circuit struct {
	failures  int
	openUntil time.Time
}

// Snapshot is a read-only view of one circuit.
type Snapshot struct {
	Key       string    `json:"key"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"openUntil"`
	State     State     `json:"state"`
}

// Registry tracks failures per dependency key. Construct one per process and
// pass it to whatever calls external providers.
type Registry struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewRegistry builds a registry; non-positive values fall back to the defaults.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// Execute runs fn unless the circuit for key is open.
//
// There is no half-open probe budget: the first call after the cooldown is an
// ordinary call. Success closes the circuit, failure re-opens it for another
// cooldown.
func (r *Registry) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := r.allow(key); err != nil {
		return err
	}
	err := fn(ctx)
	r.record(key, err)
	return err
}

func (r *Registry) allow(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[key]
	if ok && c.openUntil.After(r.now()) {
		return &OpenError{Key: key, OpenUntil: c.openUntil}
	}
	return nil
}

func (r *Registry) record(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[key]
	if !ok {
		c = &circuit{}
		r.circuits[key] = c
	}
	if err == nil {
		c.failures = 0
		c.openUntil = time.Time{}
		telemetry.CircuitOpenGauge.WithLabelValues(key).Set(0)
		return
	}

	c.failures++
	// openUntil is only non-zero here when the cooldown of a previous trip has
	// elapsed without a success since.
	if c.failures >= r.threshold || !c.openUntil.IsZero() {
		c.failures = 0
		c.openUntil = r.now().Add(r.cooldown)
		telemetry.CircuitOpenGauge.WithLabelValues(key).Set(1)
	}
}

// Snapshot returns every known circuit sorted by key.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Snapshot, 0, len(r.circuits))
	for key, c := range r.circuits {
		state := StateClosed
		if c.openUntil.After(now) {
			state = StateOpen
		}
		out = append(out, Snapshot{Key: key, Failures: c.failures, OpenUntil: c.openUntil, State: state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset forgets every circuit.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.circuits {
		telemetry.CircuitOpenGauge.WithLabelValues(key).Set(0)
	}
	r.circuits = make(map[string]*circuit)
}
