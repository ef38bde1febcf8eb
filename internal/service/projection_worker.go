package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jnst/ledger-core/internal/clock"
	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/repository"
)

// ProjectionWorker keeps every tenant's projection materialized and monitored.
type ProjectionWorker struct {
	projection     ProjectionService
	eventRepo      repository.EventRepository
	pollInterval   time.Duration
	parityInterval time.Duration
	clock          clock.Clock
	ids            idgen.Generator
	logger         *slog.Logger
}

// NewProjectionWorker creates a projection worker.
func NewProjectionWorker(
	projection ProjectionService,
	eventRepo repository.EventRepository,
	pollInterval, parityInterval time.Duration,
	clk clock.Clock,
	ids idgen.Generator,
	log *slog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		projection:     projection,
		eventRepo:      eventRepo,
		pollInterval:   pollInterval,
		parityInterval: parityInterval,
		clock:          clk,
		ids:            ids,
		logger:         log,
	}
}

// Run materializes on every poll and checks parity on the slower interval until ctx ends.
func (w *ProjectionWorker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.every(ctx, w.pollInterval, w.MaterializeAll)
		return nil
	})

	if w.parityInterval > 0 {
		g.Go(func() error {
			w.every(ctx, w.parityInterval, w.VerifyAll)
			return nil
		})
	}

	return g.Wait()
}

func (w *ProjectionWorker) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MaterializeAll runs one materialization and health check per tenant.
func (w *ProjectionWorker) MaterializeAll(ctx context.Context) {
	w.forEachTenant(ctx, func(ctx context.Context, log *slog.Logger, tenantID string) {
		if _, err := w.projection.Materialize(ctx, tenantID, w.clock.Now()); err != nil {
			log.Error("materialization failed", slog.String("tenant_id", tenantID), slog.String("error", err.Error()))
		}

		if _, err := w.projection.CheckHealth(ctx, tenantID); err != nil {
			log.Error("health check failed", slog.String("tenant_id", tenantID), slog.String("error", err.Error()))
		}
	})
}

// VerifyAll runs a parity check per tenant.
func (w *ProjectionWorker) VerifyAll(ctx context.Context) {
	w.forEachTenant(ctx, func(ctx context.Context, log *slog.Logger, tenantID string) {
		if _, err := w.projection.VerifyProjectionParity(ctx, tenantID, w.clock.Now()); err != nil {
			log.Error("parity check failed", slog.String("tenant_id", tenantID), slog.String("error", err.Error()))
		}
	})
}

func (w *ProjectionWorker) forEachTenant(ctx context.Context, fn func(context.Context, *slog.Logger, string)) {
	ctx = logger.WithCorrelationID(ctx, w.ids.NewID())
	log := logger.FromContext(ctx, w.logger)

	tenants, err := w.eventRepo.ListTenants(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("failed to list tenants", slog.String("error", err.Error()))
		}
		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		fn(ctx, log, tenantID)
	}
}
