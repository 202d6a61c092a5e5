package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"reliable-jobs/internal/app"
	"reliable-jobs/internal/cli"
	"reliable-jobs/internal/config"
	"reliable-jobs/internal/telemetry"
)

func main() {
	cfg := config.Load()

	// keep stdout for command output; backend notices go to stderr at warn
	logger, err := telemetry.NewLoggerTo(os.Stderr, "warn", "console")
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	open := func(ctx context.Context) (*app.Components, error) {
		return app.Build(ctx, cfg, logger)
	}
	if err := cli.NewRootCmd(open, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
