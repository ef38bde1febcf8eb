package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/ledger-core/internal/clock"
	"github.com/jnst/ledger-core/internal/fx"
	"github.com/jnst/ledger-core/internal/integrity"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/metrics"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/repository"
	"github.com/jnst/ledger-core/internal/telemetry"
)

// ProjectionOptions tune materialization and health checks.
type ProjectionOptions struct {
	BatchSize      int
	StaleThreshold time.Duration
}

// ProjectionServiceImpl implements ProjectionService over per-day balance movements.
type ProjectionServiceImpl struct {
	eventRepo      repository.EventRepository
	balanceRepo    repository.BalanceRepository
	healthRepo     repository.ProjectionHealthRepository
	transactionMgr repository.TransactionManager
	rates          fx.RateProvider
	opts           ProjectionOptions
	clock          clock.Clock
	metrics        metrics.Sink
	logger         *slog.Logger
}

// NewProjectionServiceImpl creates a new ProjectionService implementation. rates may be nil,
// in which case currency conversion is unavailable.
func NewProjectionServiceImpl(
	repos *repository.Repositories,
	rates fx.RateProvider,
	opts ProjectionOptions,
	clk clock.Clock,
	sink metrics.Sink,
	log *slog.Logger,
) ProjectionService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = time.Minute
	}

	return &ProjectionServiceImpl{
		eventRepo:      repos.Events,
		balanceRepo:    repos.Balances,
		healthRepo:     repos.Health,
		transactionMgr: repos.Tx,
		rates:          rates,
		opts:           opts,
		clock:          clk,
		metrics:        sink,
		logger:         log,
	}
}

// Materialize applies events past the watermark in batches. Each batch commits its movements
// together with a compare-and-swap of the watermark, so a concurrent materializer loses cleanly.
// Before applying a batch the stored state is checked against the recorded checksum; a mismatch
// is returned as a *model.ChecksumMismatchError and requires a Rebuild.
func (s *ProjectionServiceImpl) Materialize(ctx context.Context, tenantID string, asOf time.Time) (*model.ProjectionHealth, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", model.ErrInvalidArgument)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "Projection.Materialize", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
	))
	defer span.End()

	asOfDate := truncateDay(asOf)
	cutoff := asOfDate.AddDate(0, 0, 1)

	var (
		health  *model.ProjectionHealth
		applied int
	)
	for {
		var done bool
		err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
			h, n, finished, err := s.materializeBatch(ctx, tenantID, asOfDate, cutoff)
			if err != nil {
				return err
			}
			health, done = h, finished
			applied += n

			return nil
		})
		if err != nil {
			var mismatch *model.ChecksumMismatchError
			if errors.As(err, &mismatch) {
				s.metrics.Count(ctx, metrics.ProjectionChecksumsMismatch, 1, attribute.String("tenant_id", tenantID))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			return nil, err
		}
		if done {
			break
		}
	}

	span.SetAttributes(attribute.Int("events_applied", applied), attribute.Int64("last_event_id", health.LastEventID))
	if applied > 0 {
		logger.FromContext(ctx, s.logger).Info("projection materialized",
			slog.String("tenant_id", tenantID),
			slog.Int("events_applied", applied),
			slog.Int64("last_event_id", health.LastEventID),
		)
	}

	return health, nil
}

func (s *ProjectionServiceImpl) materializeBatch(
	ctx context.Context, tenantID string, asOfDate, cutoff time.Time,
) (*model.ProjectionHealth, int, bool, error) {
	prev, actual, err := readProjectionState(ctx, s.healthRepo, s.balanceRepo, tenantID)
	if err != nil {
		return nil, 0, false, err
	}

	var watermark int64
	if prev != nil {
		watermark = prev.LastEventID

		if actual != prev.Checksum {
			return nil, 0, false, &model.ChecksumMismatchError{
				Subject:  "projection state of tenant " + tenantID,
				Expected: prev.Checksum,
				Actual:   actual,
			}
		}
	}

	events, err := s.eventRepo.ListAfterPosition(ctx, tenantID, watermark, s.opts.BatchSize)
	if err != nil {
		return nil, 0, false, err
	}

	now := s.clock.Now()
	next := &model.ProjectionHealth{
		TenantID:       tenantID,
		Projection:     model.TrialBalanceProjection,
		LastEventID:    watermark,
		AsOfDate:       asOfDate,
		MaterializedAt: now,
	}
	if prev != nil {
		next.LastEventAt = prev.LastEventAt
	}

	var (
		pending []model.BalanceMovement
		applied int
		stopped bool
	)
	for _, e := range events {
		if !e.OccurredAt.Before(cutoff) {
			stopped = true
			break
		}

		ms, err := movementsOf(e, now)
		if err != nil {
			return nil, 0, false, fmt.Errorf("event %d: %w", e.Position, err)
		}
		pending = append(pending, ms...)

		occurredAt := e.OccurredAt
		next.LastEventID = e.Position
		next.LastEventAt = &occurredAt
		applied++
	}

	if len(pending) > 0 {
		if err := s.balanceRepo.ApplyMovements(ctx, pending); err != nil {
			return nil, 0, false, err
		}
	}

	movements, err := s.balanceRepo.ListMovements(ctx, tenantID)
	if err != nil {
		return nil, 0, false, err
	}
	next.Checksum = integrity.StateChecksum(movements)

	if err := s.healthRepo.Save(ctx, next, watermark); err != nil {
		return nil, 0, false, err
	}

	done := stopped || len(events) < s.opts.BatchSize

	return next, applied, done, nil
}

// Rebuild drops the materialized state and replays all events in one transaction.
func (s *ProjectionServiceImpl) Rebuild(ctx context.Context, tenantID string, asOf time.Time) (*model.ProjectionHealth, error) {
	var health *model.ProjectionHealth

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.healthRepo.Lock(ctx, tenantID, model.TrialBalanceProjection); err != nil {
			return err
		}
		if err := s.balanceRepo.DeleteTenant(ctx, tenantID); err != nil {
			return err
		}
		if err := s.healthRepo.Delete(ctx, tenantID, model.TrialBalanceProjection); err != nil {
			return err
		}

		h, err := s.Materialize(ctx, tenantID, asOf)
		if err != nil {
			return err
		}
		health = h

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx, s.logger).Warn("projection rebuilt",
		slog.String("tenant_id", tenantID),
		slog.Int64("last_event_id", health.LastEventID),
	)

	return health, nil
}

// GetTrialBalance reads the materialized balances as of a date.
func (s *ProjectionServiceImpl) GetTrialBalance(ctx context.Context, tenantID string, asOf time.Time) (*model.TrialBalance, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", model.ErrInvalidArgument)
	}

	asOfDate := truncateDay(asOf)
	balances, err := s.balanceRepo.ListAsOf(ctx, tenantID, asOfDate)
	if err != nil {
		return nil, err
	}

	tb := &model.TrialBalance{
		TenantID: tenantID,
		AsOfDate: asOfDate,
		Source:   model.SourceProjection,
		Balances: model.NewBalanceSet(balances...).All(),
	}

	h, err := s.healthRepo.Get(ctx, tenantID, model.TrialBalanceProjection)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		materializedAt := h.MaterializedAt
		tb.LastEventID = h.LastEventID
		tb.MaterializedAt = &materializedAt
	}

	tb.ComputeTotals()

	return tb, nil
}

// GetTrialBalanceIn converts every balance into currency using historical rates at asOf.
// Balances of the same account are merged after conversion.
func (s *ProjectionServiceImpl) GetTrialBalanceIn(
	ctx context.Context, tenantID string, asOf time.Time, currency string,
) (*model.TrialBalance, error) {
	if s.rates == nil {
		return nil, fmt.Errorf("%w: no rate provider configured", fx.ErrRateUnavailable)
	}

	currency = fx.Normalize(currency)
	if currency == "" {
		return nil, fmt.Errorf("%w: reporting currency is required", model.ErrInvalidArgument)
	}

	tb, err := s.GetTrialBalance(ctx, tenantID, asOf)
	if err != nil {
		return nil, err
	}

	reliability := fx.ReliabilityHigh
	converted := model.NewBalanceSet()
	for _, b := range tb.Balances {
		rate, err := s.rates.Historical(ctx, b.CurrencyCode, currency, tb.AsOfDate)
		if err != nil {
			return nil, fmt.Errorf("convert %s balance of account %s: %w", b.CurrencyCode, b.AccountCode, err)
		}
		if rate.Reliability == fx.ReliabilityLow {
			reliability = fx.ReliabilityLow
		}

		amount := rate.Convert(b.BalanceMinorUnits)
		key := model.BalanceKey{AccountCode: b.AccountCode, CurrencyCode: currency}
		if existing, ok := converted.Get(key); ok {
			amount += existing.BalanceMinorUnits
		}

		b.CurrencyCode = currency
		b.BalanceMinorUnits = amount
		converted.Put(b)
	}

	tb.Balances = converted.All()
	tb.ReportingCurrency = currency
	tb.RateReliability = reliability
	tb.ComputeTotals()

	return tb, nil
}

// VerifyProjectionParity replays raw events and compares them with the materialized balances.
// Delta is the sum over accounts of the absolute per-account difference in minor units.
func (s *ProjectionServiceImpl) VerifyProjectionParity(
	ctx context.Context, tenantID string, asOf time.Time,
) (*model.ParityResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Projection.VerifyParity", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
	))
	defer span.End()

	asOfDate := truncateDay(asOf)

	events, err := s.eventRepo.ListFromTimestamp(ctx, tenantID, time.Time{})
	if err != nil {
		return nil, err
	}

	replayed := make(map[model.BalanceKey]int64)
	var count int
	for _, e := range events {
		ms, err := movementsOf(e, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.Position, err)
		}
		if len(ms) == 0 {
			continue
		}
		count++
		for _, m := range ms {
			if m.PostingDate.After(asOfDate) {
				continue
			}
			replayed[model.BalanceKey{AccountCode: m.AccountCode, CurrencyCode: m.CurrencyCode}] += m.AmountMinor
		}
	}

	balances, err := s.balanceRepo.ListAsOf(ctx, tenantID, asOfDate)
	if err != nil {
		return nil, err
	}
	materialized := make(map[model.BalanceKey]int64, len(balances))
	for _, b := range balances {
		materialized[b.Key()] = b.BalanceMinorUnits
	}

	result := &model.ParityResult{TenantID: tenantID, AsOfDate: asOfDate, ReplayedEvents: count}
	keys := make([]model.AccountBalance, 0, len(replayed)+len(materialized))
	for k := range replayed {
		keys = append(keys, model.AccountBalance{AccountCode: k.AccountCode, CurrencyCode: k.CurrencyCode})
	}
	for k := range materialized {
		keys = append(keys, model.AccountBalance{AccountCode: k.AccountCode, CurrencyCode: k.CurrencyCode})
	}

	for _, k := range model.NewBalanceSet(keys...).All() {
		r, m := replayed[k.Key()], materialized[k.Key()]
		result.ReplayedTotal += absMinor(r)
		result.MaterializedTotal += absMinor(m)
		if r != m {
			result.Delta += absMinor(r - m)
			result.Drift = append(result.Drift, model.AccountDrift{
				AccountCode:       k.AccountCode,
				CurrencyCode:      k.CurrencyCode,
				ReplayedMinor:     r,
				MaterializedMinor: m,
			})
		}
	}
	result.Matches = result.Delta == 0

	s.metrics.Gauge(ctx, metrics.ProjectionParityDelta, float64(result.Delta), attribute.String("tenant_id", tenantID))
	if !result.Matches {
		logger.FromContext(ctx, s.logger).Warn("projection parity drift",
			slog.String("tenant_id", tenantID),
			slog.Int64("delta", result.Delta),
			slog.Int("accounts", len(result.Drift)),
		)
	}

	return result, nil
}

// CheckHealth measures lag from the oldest event not yet materialized and re-verifies the state checksum.
func (s *ProjectionServiceImpl) CheckHealth(ctx context.Context, tenantID string) (*model.HealthReport, error) {
	now := s.clock.Now()
	report := &model.HealthReport{
		TenantID:   tenantID,
		Projection: model.TrialBalanceProjection,
		Status:     model.HealthStatusHealthy,
		CheckedAt:  now,
	}

	var (
		h      *model.ProjectionHealth
		actual string
	)
	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		h, actual, err = readProjectionState(ctx, s.healthRepo, s.balanceRepo, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if h != nil {
		materializedAt := h.MaterializedAt
		report.ChecksumMismatch = actual != h.Checksum
		report.LastEventID = h.LastEventID
		report.Checksum = h.Checksum
		report.MaterializedAt = &materializedAt
	}

	if report.LatestEventID, err = s.eventRepo.LatestPosition(ctx, tenantID); err != nil {
		return nil, err
	}

	oldest, err := s.eventRepo.FirstAfterPosition(ctx, tenantID, report.LastEventID)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if lag := now.Sub(oldest.OccurredAt); lag > 0 {
			report.LagSeconds = lag.Seconds()
		}
	}

	if report.LatestEventID > 0 {
		latest, err := s.eventRepo.FirstAfterPosition(ctx, tenantID, report.LatestEventID-1)
		switch {
		case errors.Is(err, model.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			occurredAt := latest.OccurredAt
			report.LatestEventAt = &occurredAt
			report.SinceLatestEventSeconds = now.Sub(occurredAt).Seconds()
		}
	}

	if time.Duration(report.LagSeconds*float64(time.Second)) > s.opts.StaleThreshold {
		report.Status = model.HealthStatusStale
	}

	tenant := attribute.String("tenant_id", tenantID)
	s.metrics.Gauge(ctx, metrics.ProjectionLagSeconds, report.LagSeconds, tenant)
	if report.ChecksumMismatch {
		s.metrics.Count(ctx, metrics.ProjectionChecksumsMismatch, 1, tenant)
		logger.FromContext(ctx, s.logger).Error("projection checksum mismatch",
			slog.String("tenant_id", tenantID),
			slog.String("recorded", report.Checksum),
		)
	}
	if report.Status == model.HealthStatusStale {
		logger.FromContext(ctx, s.logger).Warn("projection is stale",
			slog.String("tenant_id", tenantID),
			slog.Float64("lag_seconds", report.LagSeconds),
		)
	}

	return report, nil
}

// readProjectionState locks the tenant's projection, then reads its watermark and the checksum of
// the stored movements. Callers run it inside a transaction so both reads see the same state.
func readProjectionState(
	ctx context.Context, healthRepo repository.ProjectionHealthRepository, balanceRepo repository.BalanceRepository,
	tenantID string,
) (*model.ProjectionHealth, string, error) {
	if err := healthRepo.Lock(ctx, tenantID, model.TrialBalanceProjection); err != nil {
		return nil, "", err
	}

	h, err := healthRepo.Get(ctx, tenantID, model.TrialBalanceProjection)
	if errors.Is(err, model.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	movements, err := balanceRepo.ListMovements(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}

	return h, integrity.StateChecksum(movements), nil
}

// movementsOf folds one event into balance movements. Non-journal events yield none.
func movementsOf(e *model.DomainEvent, at time.Time) ([]model.BalanceMovement, error) {
	if e.EventType != model.EventTypeJournalEntryPosted {
		return nil, nil
	}

	j, err := decodeJournal(e.Payload)
	if err != nil {
		return nil, err
	}

	return j.Movements(e.TenantID, at)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func absMinor(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}
