package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(threshold int, cooldown time.Duration) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(threshold, cooldown)
	r.now = clock.Now
	return r, clock
}

var errBoom = errors.New("provider failed")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Execute(ctx, "voice", failing); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected provider error, got %v", i, err)
		}
	}

	invoked := false
	err := r.Execute(ctx, "voice", func(context.Context) error {
		invoked = true
		return nil
	})
	if !IsOpen(err) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if err.Error() != "CIRCUIT_OPEN:voice" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if invoked {
		t.Fatal("guarded function must not run while open")
	}
}

func TestRejectionDoesNotMutateState(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	ctx := context.Background()
	_ = r.Execute(ctx, "k", failing)
	before := r.Snapshot()

	_ = r.Execute(ctx, "k", failing)
	after := r.Snapshot()
	if before[0] != after[0] {
		t.Fatalf("open rejection changed state: %+v -> %+v", before[0], after[0])
	}
}

func TestCooldownThenSuccessCloses(t *testing.T) {
	r, clock := newTestRegistry(2, 50*time.Millisecond)
	ctx := context.Background()
	_ = r.Execute(ctx, "publish:yt", failing)
	_ = r.Execute(ctx, "publish:yt", failing)

	clock.Advance(51 * time.Millisecond)

	invoked := false
	if err := r.Execute(ctx, "publish:yt", func(context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("expected call after cooldown to run, got %v", err)
	}
	if !invoked {
		t.Fatal("expected guarded function to run after cooldown")
	}
	snap := r.Snapshot()
	if snap[0].State != StateClosed || snap[0].Failures != 0 || !snap[0].OpenUntil.IsZero() {
		t.Fatalf("expected reset circuit, got %+v", snap[0])
	}
}

func TestCooldownThenFailureReopens(t *testing.T) {
	r, clock := newTestRegistry(3, time.Second)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = r.Execute(ctx, "visual", failing)
	}
	clock.Advance(2 * time.Second)

	if err := r.Execute(ctx, "visual", failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected the post-cooldown call to run and fail, got %v", err)
	}
	if err := r.Execute(ctx, "visual", succeeding); !IsOpen(err) {
		t.Fatalf("expected circuit to re-open after failed trial, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	ctx := context.Background()
	_ = r.Execute(ctx, "k", failing)
	_ = r.Execute(ctx, "k", failing)
	_ = r.Execute(ctx, "k", succeeding)
	_ = r.Execute(ctx, "k", failing)
	_ = r.Execute(ctx, "k", failing)

	if err := r.Execute(ctx, "k", succeeding); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}

func TestKeysAreIndependentAndResettable(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	ctx := context.Background()
	_ = r.Execute(ctx, "a", failing)

	if err := r.Execute(ctx, "b", succeeding); err != nil {
		t.Fatalf("key b must not be affected by key a: %v", err)
	}
	if err := r.Execute(ctx, "a", succeeding); !IsOpen(err) {
		t.Fatalf("expected key a open, got %v", err)
	}

	r.Reset()
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot after reset")
	}
	if err := r.Execute(ctx, "a", succeeding); err != nil {
		t.Fatalf("expected key a closed after reset, got %v", err)
	}
}

func TestOpenErrorWrapping(t *testing.T) {
	wrapped := errors.Join(errors.New("render failed"), &OpenError{Key: "voice"})
	if !IsOpen(wrapped) {
		t.Fatal("expected wrapped open error to be classified")
	}
	if IsOpen(errBoom) {
		t.Fatal("ordinary errors must not be classified as open")
	}
}
