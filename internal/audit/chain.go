// Package audit keeps the append-only, hash-linked event log. Every event
// carries the chainHash of the event stored before it, so editing or
// dropping any record breaks verification from that point on.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reliable-jobs/internal/models"
	"reliable-jobs/internal/telemetry"
)

// GenesisHash is the prevHash of the first event in a chain.
const GenesisHash = "GENESIS"

// Verification failure reasons.
const (
	ReasonPrevHashMismatch  = "PREV_HASH_MISMATCH"
	ReasonChainHashMismatch = "CHAIN_HASH_MISMATCH"
	ReasonInvalidJSONLine   = "INVALID_JSON_LINE"
)

// DefaultListLimit applies when List is called without a positive limit.
const DefaultListLimit = 100

// Filter narrows List and Verify to one tenant and/or one publish id.
// Empty fields match everything.
type Filter struct {
	TenantID  string
	PublishID string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e models.AuditEvent) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.PublishID != "" && e.PublishID != f.PublishID {
		return false
	}
	return true
}

// Record is one stored entry in insertion order. Event is nil when the entry
// could not be decoded; Err then says why.
type Record struct {
	Event *models.AuditEvent
	Err   error
}

// Store persists the chain. Append must read the latest chainHash, call
// build with it and persist the result as one atomic step.
type Store interface {
	Append(ctx context.Context, build func(prevHash string) (models.AuditEvent, error)) (models.AuditEvent, error)
	Scan(ctx context.Context) ([]Record, error)
	List(ctx context.Context, filter Filter, limit int) ([]models.AuditEvent, error)
}

// Entry is what callers supply; ids, timestamps and hashes are assigned by Append.
type Entry struct {
	TenantID  string
	PublishID string
	EventType string
	ActorRole string
	Payload   map[string]any
}

// VerifyResult is the outcome of replaying the chain.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	Total    int    `json:"total"`
	FailedAt *int   `json:"failedAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Chain appends to and verifies one global chain.
type Chain struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// New wraps store.
func New(store Store, log *zap.Logger) *Chain {
	return &Chain{store: store, log: telemetry.OrNop(log), now: time.Now}
}

// Append links entry to the latest stored event and persists it.
func (c *Chain) Append(ctx context.Context, entry Entry) (models.AuditEvent, error) {
	if entry.EventType == "" {
		return models.AuditEvent{}, fmt.Errorf("audit: eventType is required")
	}
	payload, err := normalizePayload(entry.Payload)
	if err != nil {
		return models.AuditEvent{}, err
	}
	tenant := entry.TenantID
	if tenant == "" {
		tenant = models.DefaultAuditTenant
	}

	ev, err := c.store.Append(ctx, func(prevHash string) (models.AuditEvent, error) {
		ev := models.AuditEvent{
			EventID:   uuid.NewString(),
			TenantID:  tenant,
			PublishID: entry.PublishID,
			EventType: entry.EventType,
			ActorRole: entry.ActorRole,
			Payload:   payload,
			PrevHash:  prevHash,
			CreatedAt: c.now().UTC().Truncate(time.Millisecond),
		}
		hash, err := ComputeHash(ev)
		if err != nil {
			return models.AuditEvent{}, err
		}
		ev.ChainHash = hash
		return ev, nil
	})
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("append audit event: %w", err)
	}
	telemetry.AuditAppends.WithLabelValues(ev.EventType).Inc()
	return ev, nil
}

// List returns matching events, newest first.
func (c *Chain) List(ctx context.Context, filter Filter, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return c.store.List(ctx, filter, limit)
}

// Verify replays the whole chain in insertion order. Links are global, so
// events outside filter are still followed, but only matching events are
// checked and counted. FailedAt indexes the filtered sequence, except for an
// undecodable record, which is reported at its raw position before any hash
// is checked.
func (c *Chain) Verify(ctx context.Context, filter Filter) (VerifyResult, error) {
	records, err := c.store.Scan(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("scan audit chain: %w", err)
	}

	for i, rec := range records {
		if rec.Event == nil {
			c.log.Warn("audit record could not be decoded", zap.Int("index", i), zap.Error(rec.Err))
			return fail(len(records), i, ReasonInvalidJSONLine), nil
		}
	}

	prev := GenesisHash
	checked := 0
	for _, rec := range records {
		ev := *rec.Event
		if filter.Matches(ev) {
			if ev.PrevHash != prev {
				return fail(checked, checked, ReasonPrevHashMismatch), nil
			}
			hash, err := ComputeHash(ev)
			if err != nil {
				return VerifyResult{}, err
			}
			if hash != ev.ChainHash {
				return fail(checked, checked, ReasonChainHashMismatch), nil
			}
			checked++
		}
		prev = ev.ChainHash
	}
	return VerifyResult{OK: true, Total: checked}, nil
}

func fail(total, at int, reason string) VerifyResult {
	return VerifyResult{OK: false, Total: total, FailedAt: &at, Reason: reason}
}

// ComputeHash returns the hex SHA-256 of the event body including prevHash
// and excluding chainHash. encoding/json sorts map keys, which makes the
// serialization canonical.
func ComputeHash(ev models.AuditEvent) (string, error) {
	payload, err := normalizePayload(ev.Payload)
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"eventId":   ev.EventID,
		"tenantId":  ev.TenantID,
		"publishId": ev.PublishID,
		"eventType": ev.EventType,
		"actorRole": ev.ActorRole,
		"payload":   payload,
		"createdAt": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		"prevHash":  ev.PrevHash,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode audit body: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalizePayload round-trips p through JSON so that typed values hash the
// same before and after storage.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if len(p) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode audit payload: %w", err)
	}
	return out, nil
}
