package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/logger"
)

// Dispatcher runs a pool of outbox workers that poll, claim and publish.
type Dispatcher struct {
	outboxService OutboxService
	workers       int
	pollInterval  time.Duration
	batchSize     int
	ids           idgen.Generator
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher with the given pool size.
func NewDispatcher(
	outboxService OutboxService,
	workers int,
	pollInterval time.Duration,
	batchSize int,
	ids idgen.Generator,
	log *slog.Logger,
) *Dispatcher {
	if workers < 1 {
		workers = 1
	}

	return &Dispatcher{
		outboxService: outboxService,
		workers:       workers,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		ids:           ids,
		logger:        log,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			d.loop(ctx, worker)
			return nil
		})
	}

	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	log := d.logger.With(slog.Int("worker", worker))
	log.Info("outbox worker started")

	for {
		// Keep draining while full batches come back.
		for d.RunOnce(ctx) == d.batchSize && ctx.Err() == nil {
		}

		select {
		case <-ctx.Done():
			log.Info("outbox worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes a single batch and returns how many rows were claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	ctx = logger.WithCorrelationID(ctx, d.ids.NewID())

	n, err := d.outboxService.ProcessReadyEvents(ctx, d.batchSize)
	if err != nil && ctx.Err() == nil {
		logger.FromContext(ctx, d.logger).Error("error processing outbox events", slog.String("error", err.Error()))
	}

	return n
}
