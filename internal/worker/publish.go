package worker

import (
	"context"
	"fmt"
	"strings"

	"reliable-jobs/internal/models"
)

// PublishProcessor pushes a rendered asset to a social platform. Each
// platform gets its own circuit so one outage does not block the others.
type PublishProcessor struct {
	publisher Caller
}

type publishPayload struct {
	PublishID string `json:"publishId"`
	TenantID  string `json:"tenantId"`
	Platform  string `json:"platform"`
	MediaURL  string `json:"mediaUrl"`
	Caption   string `json:"caption"`
}

func NewPublishProcessor(publisher Caller) *PublishProcessor {
	return &PublishProcessor{publisher: publisher}
}

// BreakerKey is the circuit guarding calls for platform.
func BreakerKey(platform string) string {
	return "publish:" + strings.ToLower(platform)
}

// Process implements Processor.
func (p *PublishProcessor) Process(ctx context.Context, job models.Job) error {
	var payload publishPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	if payload.Platform == "" {
		return fmt.Errorf("%w: %s requires platform", models.ErrInvalidJob, job.Type)
	}

	err := p.publisher.Call(ctx, BreakerKey(payload.Platform), "/v1/publish", map[string]any{
		"publishId": payload.PublishID,
		"tenantId":  payload.TenantID,
		"platform":  payload.Platform,
		"mediaUrl":  payload.MediaURL,
		"caption":   payload.Caption,
		// lets the provider drop a repeated delivery of the same job
		"idempotencyKey": job.ID,
	}, nil)
	if err != nil {
		return fmt.Errorf("publish %s: %w", payload.Platform, err)
	}
	return nil
}
