package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reliable-jobs/internal/models"
)

// chainLockKey serializes appenders across processes sharing one database.
const chainLockKey int64 = 0x61756469

const auditColumns = `event_id, tenant_id, publish_id, event_type, actor_role, payload, prev_hash, chain_hash, created_at`

// SQLStore keeps the chain in the audit_events table, ordered by seq.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore uses db, which must have run the store migrations.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Append implements Store inside one transaction holding an advisory lock,
// so concurrent writers still produce one linear chain.
func (s *SQLStore) Append(ctx context.Context, build func(prevHash string) (models.AuditEvent, error)) (models.AuditEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return models.AuditEvent{}, fmt.Errorf("lock audit chain: %w", err)
	}

	prev := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT chain_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.AuditEvent{}, fmt.Errorf("read chain head: %w", err)
	}

	ev, err := build(prev)
	if err != nil {
		return models.AuditEvent{}, err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("encode audit payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.EventID, ev.TenantID, ev.PublishID, ev.EventType, ev.ActorRole, string(payload), ev.PrevHash, ev.ChainHash, ev.CreatedAt)
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("insert audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.AuditEvent{}, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

// Scan implements Store. A row whose payload is not valid JSON is returned
// as an undecodable record.
func (s *SQLStore) Scan(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			records = append(records, Record{Err: err})
			continue
		}
		records = append(records, Record{Event: &ev})
	}
	return records, rows.Err()
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, filter Filter, limit int) ([]models.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.PublishID != "" {
		args = append(args, filter.PublishID)
		where = append(where, fmt.Sprintf("publish_id = $%d", len(args)))
	}
	query := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	out := []models.AuditEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (models.AuditEvent, error) {
	var (
		ev      models.AuditEvent
		payload []byte
	)
	if err := rows.Scan(&ev.EventID, &ev.TenantID, &ev.PublishID, &ev.EventType, &ev.ActorRole,
		&payload, &ev.PrevHash, &ev.ChainHash, &ev.CreatedAt); err != nil {
		return models.AuditEvent{}, fmt.Errorf("scan audit event: %w", err)
	}
	ev.Payload = map[string]any{}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return models.AuditEvent{}, fmt.Errorf("decode audit payload: %w", err)
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}
