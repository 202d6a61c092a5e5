package models

import "time"

// Audit event types written by the job system.
const (
	EventJobEnqueued      = "job.enqueued"
	EventJobCompleted     = "job.completed"
	EventJobFailed        = "job.failed"
	EventDuplicateSkipped = "job.duplicate_skipped"
	DefaultAuditTenant    = "system"
	DefaultAuditActorRole = "worker"
)

// AuditEvent is one link of the hash chain as persisted.
type AuditEvent struct {
	EventID   string         `json:"eventId"`
	TenantID  string         `json:"tenantId"`
	PublishID string         `json:"publishId,omitempty"`
	EventType string         `json:"eventType"`
	ActorRole string         `json:"actorRole,omitempty"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prevHash"`
	ChainHash string         `json:"chainHash"`
	CreatedAt time.Time      `json:"createdAt"`
}
