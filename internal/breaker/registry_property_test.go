package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// After threshold consecutive failures the next call is rejected without
// running, and once the cooldown passes the next call runs again.
func TestProperty_ThresholdAndCooldown(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("open after threshold, callable after cooldown", prop.ForAll(
		func(threshold int, cooldownMs int) bool {
			cooldown := time.Duration(cooldownMs) * time.Millisecond
			r, clock := newTestRegistry(threshold, cooldown)
			ctx := context.Background()

			for i := 0; i < threshold-1; i++ {
				_ = r.Execute(ctx, "k", failing)
				if err := r.Execute(ctx, "other", succeeding); err != nil {
					return false
				}
			}
			_ = r.Execute(ctx, "k", failing)

			invoked := false
			guarded := func(context.Context) error {
				invoked = true
				return nil
			}
			if err := r.Execute(ctx, "k", guarded); !IsOpen(err) || invoked {
				t.Logf("expected open rejection at threshold=%d", threshold)
				return false
			}

			clock.Advance(cooldown - time.Millisecond)
			if err := r.Execute(ctx, "k", guarded); !IsOpen(err) {
				t.Logf("circuit must stay open before openUntil")
				return false
			}
			clock.Advance(time.Millisecond)
			if err := r.Execute(ctx, "k", guarded); err != nil || !invoked {
				t.Logf("expected normal call after cooldown, err=%v", err)
				return false
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 1000),
	))

	properties.Property("failures below threshold never open", prop.ForAll(
		func(threshold int) bool {
			r, _ := newTestRegistry(threshold, time.Minute)
			ctx := context.Background()
			for i := 0; i < threshold-1; i++ {
				_ = r.Execute(ctx, "k", failing)
			}
			return r.Execute(ctx, "k", succeeding) == nil
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
