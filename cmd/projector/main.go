// Package main provides the projection worker that materializes trial balances, monitors lag
// and periodically checks parity against a raw event replay.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnst/ledger-core/internal/bootstrap"
	"github.com/jnst/ledger-core/internal/config"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/service"
)

const (
	serviceName = "ledger-projector"
	exitCode    = 1
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", serviceName))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("projector stopped with error", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := bootstrap.SetupTelemetry(ctx, cfg, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), bootstrap.ShutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	worker := service.NewProjectionWorker(
		app.Projection,
		app.Stores.Repos.Events,
		cfg.ProjectorPollInterval,
		cfg.ProjectionParityInterval,
		app.Clock,
		app.IDs,
		log,
	)

	log.Info("starting projection worker",
		slog.Duration("poll_interval", cfg.ProjectorPollInterval),
		slog.Duration("parity_interval", cfg.ProjectionParityInterval),
		slog.Duration("stale_threshold", cfg.ProjectionStaleThreshold),
	)

	return worker.Run(ctx)
}
