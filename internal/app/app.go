package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reliable-jobs/internal/alert"
	"reliable-jobs/internal/audit"
	"reliable-jobs/internal/breaker"
	"reliable-jobs/internal/config"
	"reliable-jobs/internal/idempotency"
	"reliable-jobs/internal/queue"
	"reliable-jobs/internal/store"
	"reliable-jobs/internal/telemetry"
)

// Backend names accepted by QUEUE_BACKEND, IDEMPOTENCY_BACKEND and AUDIT_BACKEND.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Components are the long-lived collaborators shared by the worker, the API
// and the CLI. Each process builds them once.
type Components struct {
	Queue    *queue.JobQueue
	Ledger   idempotency.Ledger
	Audit    *audit.Chain
	Breakers *breaker.Registry

	redis   *redis.Client
	store   *store.Store
	closers []func() error
}

// Build opens the backends selected by cfg. Postgres migrations run on first
// use of the store.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*Components, error) {
	log = telemetry.OrNop(log)
	c := &Components{Breakers: breaker.NewRegistry(cfg.FailureThreshold, cfg.Cooldown)}

	backend, err := c.queueBackend(cfg, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Queue = queue.New(backend, queue.Options{
		MaxAttempts: cfg.MaxAttempts,
		SoftLimit:   cfg.SoftLimit,
		HardLimit:   cfg.HardLimit,
		Defer:       cfg.Defer,
	}, log.Named("queue"))

	if c.Ledger, err = c.ledger(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	auditStore, err := c.auditStore(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Audit = audit.New(auditStore, log.Named("audit"))

	log.Info("backends ready",
		zap.String("queue", backend.Name()),
		zap.String("idempotency", cfg.IdempotencyBackend),
		zap.String("audit", cfg.AuditBackend),
	)
	return c, nil
}

func (c *Components) queueBackend(cfg config.Config, log *zap.Logger) (queue.Backend, error) {
	switch cfg.QueueBackend {
	case BackendFile, "":
		return queue.NewFileQueue(cfg.DataDir)
	case BackendRedis:
		file, err := queue.NewFileQueue(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		primary := queue.NewRedisQueue(c.redisClient(cfg), cfg.RedisPrefix)
		return queue.NewFallback(primary, file, log.Named("fallback")), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func (c *Components) ledger(ctx context.Context, cfg config.Config) (idempotency.Ledger, error) {
	switch cfg.IdempotencyBackend {
	case BackendFile, "":
		return idempotency.NewFileLedger(cfg.DataDir, cfg.IdempotencyTTL)
	case BackendRedis:
		return idempotency.NewRedisLedger(c.redisClient(cfg), cfg.RedisPrefix, cfg.IdempotencyTTL), nil
	case BackendPostgres:
		st, err := c.postgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return idempotency.NewSQLLedger(st.DB(), cfg.IdempotencyTTL), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.IdempotencyBackend)
	}
}

func (c *Components) auditStore(ctx context.Context, cfg config.Config) (audit.Store, error) {
	switch cfg.AuditBackend {
	case BackendFile, "":
		return audit.NewFileStore(cfg.DataDir)
	case BackendPostgres:
		st, err := c.postgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return audit.NewSQLStore(st.DB()), nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.AuditBackend)
	}
}

func (c *Components) redisClient(cfg config.Config) *redis.Client {
	if c.redis == nil {
		c.redis = queue.NewRedisClient(cfg)
		c.closers = append(c.closers, c.redis.Close)
	}
	return c.redis
}

func (c *Components) postgres(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	c.store = st
	c.closers = append(c.closers, func() error { st.Close(); return nil })
	return st, nil
}

// Close releases connections in reverse order of opening.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Alerts builds the dead-letter notifier chain from cfg. It returns a
// dispatcher that drops alerts when no sink is configured, plus a close
// function for the AMQP connection.
func Alerts(cfg config.Config, log *zap.Logger) (*alert.Dispatcher, func() error) {
	var sinks alert.Multi
	closeFn := func() error { return nil }
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.AlertAMQPURL != "" {
		n := alert.NewAMQPNotifier(cfg.AlertAMQPURL, cfg.AlertAMQPExchange)
		sinks = append(sinks, n)
		closeFn = n.Close
	}

	var n alert.Notifier
	switch len(sinks) {
	case 0:
	case 1:
		n = sinks[0]
	default:
		n = sinks
	}
	return alert.NewDispatcher(n, cfg.AlertTimeout, telemetry.OrNop(log).Named("alerts")), closeFn
}
