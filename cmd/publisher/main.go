// Package main provides the outbox publisher that claims ready outbox rows and delivers them
// to Redis Streams or Kafka.
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
	serviceName = "ledger-publisher"
	exitCode    = 1
)

func setupPublisherSignalHandling(log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("shutdown signal received, stopping publisher")
		cancel()
	}()

	return ctx, cancel
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", serviceName))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("publisher stopped with error", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := setupPublisherSignalHandling(log)
	defer cancel()

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

	publisher, err := bootstrap.NewPublisher(cfg, app.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("failed to close publisher", slog.String("error", err.Error()))
		}
	}()

	dispatcher := service.NewDispatcher(
		app.NewOutboxService(publisher),
		cfg.PublisherWorkers,
		cfg.PublisherPollInterval,
		cfg.PublisherBatchSize,
		app.IDs,
		log,
	)

	log.Info("starting outbox publisher",
		slog.String("transport", cfg.OutboxTransport),
		slog.Int("workers", cfg.PublisherWorkers),
		slog.Duration("poll_interval", cfg.PublisherPollInterval),
		slog.Int("batch_size", cfg.PublisherBatchSize),
	)

	return dispatcher.Run(ctx)
}
