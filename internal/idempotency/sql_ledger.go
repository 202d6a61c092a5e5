package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLLedger keeps markers in the idempotency_keys table.
type SQLLedger struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLLedger uses db, which must have run the store migrations.
func NewSQLLedger(db *sql.DB, ttl time.Duration) *SQLLedger {
	return &SQLLedger{db: db, ttl: normalizeTTL(ttl), now: time.Now}
}

// IsProcessed deletes expired rows and checks jobKey.
func (l *SQLLedger) IsProcessed(ctx context.Context, jobKey string) (bool, error) {
	cutoff := l.now().Add(-l.ttl).UTC()
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE processed_at < $1`, cutoff); err != nil {
		return false, fmt.Errorf("purge idempotency keys: %w", err)
	}

	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM idempotency_keys WHERE job_key = $1`, jobKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query idempotency key: %w", err)
	}
	return true, nil
}

// MarkProcessed upserts jobKey with the current time.
func (l *SQLLedger) MarkProcessed(ctx context.Context, jobKey string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (job_key, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (job_key) DO UPDATE SET processed_at = EXCLUDED.processed_at
	`, jobKey, l.now().UTC())
	if err != nil {
		return fmt.Errorf("mark idempotency key: %w", err)
	}
	return nil
}
