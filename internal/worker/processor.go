package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"reliable-jobs/internal/breaker"
	"reliable-jobs/internal/config"
	"reliable-jobs/internal/models"
	"reliable-jobs/internal/provider"
	"reliable-jobs/internal/telemetry"
)

// ErrUnknownJobType is returned for a job no processor is registered for.
// It goes through the normal retry path and ends in the DLQ.
var ErrUnknownJobType = errors.New("UNKNOWN_JOB_TYPE")

// Processor performs the side effect of one job type.
type Processor interface {
	Process(ctx context.Context, job models.Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job models.Job) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, job models.Job) error { return f(ctx, job) }

// Caller is the provider surface the processors need.
type Caller interface {
	Call(ctx context.Context, key, path string, body, out any) error
}

// Registry dispatches jobs to processors by job type.
type Registry struct {
	processors map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register binds a processor to a job type.
func (r *Registry) Register(jobType string, p Processor) {
	if jobType == "" || p == nil {
		return
	}
	r.processors[jobType] = p
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Process implements Processor by dispatching on job.Type.
func (r *Registry) Process(ctx context.Context, job models.Job) error {
	p, ok := r.processors[job.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type)
	}
	return p.Process(ctx, job)
}

// BuildRegistry wires the render, publish and optimize processors to their
// providers. All provider clients share breakers.
func BuildRegistry(ctx context.Context, cfg config.Config, breakers *breaker.Registry, log *zap.Logger) (*Registry, error) {
	log = telemetry.OrNop(log)
	uploader, err := NewUploader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := func(name, url string) *provider.Client {
		return provider.New(provider.Options{
			Name:           name,
			BaseURL:        url,
			Timeout:        cfg.ProviderTimeout,
			MaxRetries:     cfg.ProviderMaxRetries,
			BackoffInitial: cfg.ProviderBackoffInitial,
			BackoffMax:     cfg.ProviderBackoffMax,
		}, breakers, log.Named(name))
	}

	r := NewRegistry()
	r.Register(models.JobTypeRender, NewRenderProcessor(
		client("voice", cfg.VoiceProviderURL),
		client("visual", cfg.VisualProviderURL),
		uploader,
		RenderOptions{ThumbnailWidth: cfg.ThumbnailWidth, DownloadTimeout: cfg.ProviderTimeout},
	))
	r.Register(models.JobTypePublish, NewPublishProcessor(client("publish", cfg.PublishProviderURL)))
	r.Register(models.JobTypeOptimize, NewOptimizeProcessor(client("optimize", cfg.OptimizeProviderURL), uploader))
	return r, nil
}

// decodePayload copies job.Payload into dst and requires a publishId.
func decodePayload(job models.Job, dst any) error {
	if strings.TrimSpace(job.PublishID()) == "" {
		return fmt.Errorf("%w: %s requires publishId", models.ErrInvalidJob, job.Type)
	}
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", models.ErrInvalidJob, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode payload: %v", models.ErrInvalidJob, err)
	}
	return nil
}

type manifest map[string]any

func (m manifest) encode(now time.Time) ([]byte, error) {
	m["generatedAt"] = now.UTC().Format(time.RFC3339Nano)
	return json.MarshalIndent(m, "", "  ")
}
