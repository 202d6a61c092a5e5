// Package idempotency records which jobs were already processed so a
// redelivered job is skipped instead of repeating its side effect.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"reliable-jobs/internal/models"
)

// DefaultTTL bounds how long a processed marker is remembered.
const DefaultTTL = 48 * time.Hour

// Ledger is a durable jobKey → processed-at map. Entries older than the TTL
// are purged on read; there is no background sweep.
type Ledger interface {
	IsProcessed(ctx context.Context, jobKey string) (bool, error)
	MarkProcessed(ctx context.Context, jobKey string) error
}

// JobKey prefers the stable job id. Without one it falls back to
// type:publishId:attempt, which does not collapse retries of the same job.
func JobKey(job models.Job) string {
	if job.ID != "" {
		return job.ID
	}
	return fmt.Sprintf("%s:%s:%d", job.Type, job.PublishID(), job.Attempt)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
