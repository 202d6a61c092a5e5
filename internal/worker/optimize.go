package worker

import (
	"context"
	"fmt"
	"time"

	"reliable-jobs/internal/models"
)

// OptimizeProcessor asks the optimizer for new caption/title variants and
// stores them as an artifact next to the render.
type OptimizeProcessor struct {
	optimizer Caller
	uploader  Uploader
	now       func() time.Time
}

type optimizePayload struct {
	PublishID string         `json:"publishId"`
	TenantID  string         `json:"tenantId"`
	Topic     string         `json:"topic"`
	Metrics   map[string]any `json:"metrics"`
}

type optimizeReply struct {
	Variants []map[string]any `json:"variants"`
}

func NewOptimizeProcessor(optimizer Caller, uploader Uploader) *OptimizeProcessor {
	return &OptimizeProcessor{optimizer: optimizer, uploader: uploader, now: time.Now}
}

// Process implements Processor.
func (p *OptimizeProcessor) Process(ctx context.Context, job models.Job) error {
	var payload optimizePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	var reply optimizeReply
	if err := p.optimizer.Call(ctx, "", "/v1/optimize", map[string]any{
		"publishId": payload.PublishID,
		"tenantId":  payload.TenantID,
		"topic":     payload.Topic,
		"metrics":   payload.Metrics,
	}, &reply); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}

	body, err := manifest{
		"jobId":     job.ID,
		"publishId": payload.PublishID,
		"variants":  reply.Variants,
	}.encode(p.now())
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	key := fmt.Sprintf("optimizations/%s/%s.json", payload.PublishID, job.ID)
	if _, err := p.uploader.Upload(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("upload variants: %w", err)
	}
	return nil
}
