package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reliable-jobs/internal/api"
	"reliable-jobs/internal/app"
	"reliable-jobs/internal/config"
	"reliable-jobs/internal/telemetry"
	"reliable-jobs/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build backends", zap.Error(err))
	}
	defer func() { _ = components.Close() }()

	registry, err := worker.BuildRegistry(ctx, cfg, components.Breakers, logger)
	if err != nil {
		logger.Fatal("build processors", zap.Error(err))
	}

	alerts, closeAlerts := app.Alerts(cfg, logger)
	defer func() { _ = closeAlerts() }()

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	loop := worker.NewLoop(worker.LoopConfig{
		Queue:        components.Queue,
		Ledger:       components.Ledger,
		Audit:        components.Audit,
		Processor:    registry,
		Alerts:       alerts,
		PollInterval: cfg.PollInterval,
		WorkerID:     workerID,
		Logger:       logger.Named("worker"),
	})

	opsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: api.New(components.Queue, components.Audit, components.Breakers, logger.Named("api")).Router(),
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Strings("job_types", registry.Types()),
		zap.String("ops_addr", cfg.MetricsAddr),
		zap.Int("max_attempts", components.Queue.MaxAttempts()),
	)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = opsServer.Shutdown(shutdownCtx)
	alerts.Wait()
}
