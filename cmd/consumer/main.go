// Package main provides a downstream consumer of the ledger's Redis Streams. Delivery is
// at-least-once, so every message is deduplicated on its event id before it is handled.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jnst/ledger-core/internal/bootstrap"
	"github.com/jnst/ledger-core/internal/config"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/transport"
)

const (
	errorRetryDelay = 1 * time.Second
	exitCode        = 1
)

var consumedTopics = []string{
	model.EventTypeJournalEntryPosted,
	model.EventTypePeriodClosed,
	model.EventTypePeriodReopened,
}

func setupSignalHandling(log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("shutdown signal received, stopping consumer")
		cancel()
	}()

	return ctx, cancel
}

func runConsumerLoop(ctx context.Context, handler *MessageHandler, streamKeys []string) {
	for {
		select {
		case <-ctx.Done():
			handler.logger.Info("consumer stopped")
			return
		default:
			if err := handler.consumeMessages(ctx, streamKeys); err != nil && ctx.Err() == nil {
				handler.logger.Error("error consuming messages", slog.String("error", err.Error()))
				time.Sleep(errorRetryDelay)
			}
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", "ledger-consumer"))
	slog.SetDefault(log)

	redisClient, err := bootstrap.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	handler := NewMessageHandler(redisClient, newRedisDeduper(redisClient, cfg.RedisStreamPrefix, cfg.ConsumerGroup, cfg.ConsumerDedupeTTL),
		cfg.ConsumerGroup, cfg.ConsumerName, log)

	ctx, cancel := setupSignalHandling(log)
	defer cancel()

	streamKeys := make([]string, 0, len(consumedTopics))
	for _, topic := range consumedTopics {
		key := transport.StreamKey(cfg.RedisStreamPrefix, topic)
		handler.createConsumerGroup(ctx, key)
		streamKeys = append(streamKeys, key)
	}

	log.Info("starting message consumer",
		slog.Any("streams", streamKeys),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	runConsumerLoop(ctx, handler, streamKeys)
}
