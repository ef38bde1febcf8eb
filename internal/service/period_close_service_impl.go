package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/ledger-core/internal/clock"
	"github.com/jnst/ledger-core/internal/export"
	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/integrity"
	"github.com/jnst/ledger-core/internal/lock"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/repository"
	"github.com/jnst/ledger-core/internal/telemetry"
)

const (
	defaultAuditLimit = 100
	postingScanBatch  = 500
)

// PeriodCloseServiceImpl implements PeriodCloseService.
type PeriodCloseServiceImpl struct {
	periodRepo     repository.PeriodRepository
	snapshotRepo   repository.SnapshotRepository
	auditRepo      repository.AuditRepository
	eventRepo      repository.EventRepository
	balanceRepo    repository.BalanceRepository
	healthRepo     repository.ProjectionHealthRepository
	transactionMgr repository.TransactionManager
	eventStore     EventStore
	projection     ProjectionService
	locker         lock.Locker
	keyring        *integrity.Keyring
	clock          clock.Clock
	ids            idgen.Generator
	logger         *slog.Logger
}

// NewPeriodCloseServiceImpl creates a new PeriodCloseService implementation. A nil keyring
// leaves snapshots unsigned.
func NewPeriodCloseServiceImpl(
	repos *repository.Repositories,
	eventStore EventStore,
	projection ProjectionService,
	locker lock.Locker,
	keyring *integrity.Keyring,
	clk clock.Clock,
	ids idgen.Generator,
	log *slog.Logger,
) PeriodCloseService {
	return &PeriodCloseServiceImpl{
		periodRepo:     repos.Periods,
		snapshotRepo:   repos.Snapshots,
		auditRepo:      repos.Audit,
		eventRepo:      repos.Events,
		balanceRepo:    repos.Balances,
		healthRepo:     repos.Health,
		transactionMgr: repos.Tx,
		eventStore:     eventStore,
		projection:     projection,
		locker:         locker,
		keyring:        keyring,
		clock:          clk,
		ids:            ids,
		logger:         log,
	}
}

// OpenPeriod registers a new OPEN period.
func (s *PeriodCloseServiceImpl) OpenPeriod(ctx context.Context, params *model.OpenPeriodParams) (*model.Period, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	start, end := truncateDay(params.StartDate), truncateDay(params.EndDate)

	existing, err := s.periodRepo.FindByTenant(ctx, params.TenantID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if !start.After(p.EndDate) && !end.Before(p.StartDate) {
			return nil, fmt.Errorf("%w: period overlaps %s", model.ErrInvalidArgument, p.ID)
		}
	}

	now := s.clock.Now()
	name := params.Name
	if strings.TrimSpace(name) == "" {
		name = params.PeriodID
	}

	period := &model.Period{
		ID:        params.PeriodID,
		TenantID:  params.TenantID,
		Name:      name,
		StartDate: start,
		EndDate:   end,
		Status:    model.PeriodStatusOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.periodRepo.Create(ctx, period); err != nil {
		return nil, fmt.Errorf("failed to create period %s: %w", params.PeriodID, err)
	}

	logger.FromContext(ctx, s.logger).Info("period opened",
		slog.String("tenant_id", period.TenantID),
		slog.String("period_id", period.ID),
	)

	return period, nil
}

// GetPeriod returns one period.
func (s *PeriodCloseServiceImpl) GetPeriod(ctx context.Context, tenantID, periodID string) (*model.Period, error) {
	return s.periodRepo.FindByID(ctx, tenantID, periodID)
}

// ListPeriods returns the tenant's periods.
func (s *PeriodCloseServiceImpl) ListPeriods(ctx context.Context, tenantID string) ([]*model.Period, error) {
	return s.periodRepo.FindByTenant(ctx, tenantID)
}

// ClosePeriod snapshots, validates and hard-closes a period under its lock.
// Every failed check is returned together in a *model.PeriodCloseValidationError and the
// period stays OPEN.
func (s *PeriodCloseServiceImpl) ClosePeriod(
	ctx context.Context, tenantID, periodID, closedBy string, opts model.CloseOptions,
) (*model.CloseResult, error) {
	if tenantID == "" || periodID == "" || strings.TrimSpace(closedBy) == "" {
		return nil, fmt.Errorf("%w: tenant id, period id and closed by are required", model.ErrInvalidArgument)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "PeriodClose.Close", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("period_id", periodID),
		attribute.Bool("force_close", opts.ForceClose),
		attribute.Bool("skip_validation", opts.SkipValidation),
	))
	defer span.End()

	log := logger.FromContext(ctx, s.logger).With(
		slog.String("tenant_id", tenantID),
		slog.String("period_id", periodID),
	)

	key := lock.PeriodKey(tenantID, periodID)
	result, err := withPeriodLock(ctx, s.locker, s.logger, key, func(ctx context.Context) (*model.CloseResult, error) {
		return s.closeLocked(ctx, log, tenantID, periodID, closedBy, opts)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	span.SetAttributes(attribute.String("merkle_root", result.Snapshot.MerkleRoot))

	return result, nil
}

func (s *PeriodCloseServiceImpl) closeLocked(
	ctx context.Context, log *slog.Logger, tenantID, periodID, closedBy string, opts model.CloseOptions,
) (*model.CloseResult, error) {
	period, err := s.periodRepo.FindByID(ctx, tenantID, periodID)
	if err != nil {
		return nil, err
	}

	if period.Status != model.PeriodStatusOpen {
		return nil, &model.PeriodCloseValidationError{
			TenantID: tenantID,
			PeriodID: periodID,
			Findings: []model.Finding{{
				Code:    model.FindingPeriodNotOpen,
				Message: fmt.Sprintf("period is %s", period.Status),
			}},
		}
	}

	health, err := s.healthRepo.Get(ctx, tenantID, model.TrialBalanceProjection)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	pre, latest, err := s.preflight(ctx, tenantID, health)
	if err != nil {
		return nil, err
	}
	caughtUp := len(pre) == 0

	var findings []model.Finding
	if !opts.ForceClose {
		findings = append(findings, pre...)
	} else if !caughtUp {
		log.Warn("force closing with postings not yet materialized", slog.String("finding", pre[0].Message))
	}

	snap, err := s.buildSnapshot(ctx, period, closedBy)
	if err != nil {
		return nil, err
	}

	if !opts.SkipValidation {
		checks, err := s.validate(ctx, period, snap, caughtUp)
		if err != nil {
			return nil, err
		}
		findings = append(findings, checks...)
	}

	if len(findings) > 0 {
		return nil, s.reject(ctx, log, closedBy,
			&model.PeriodCloseValidationError{TenantID: tenantID, PeriodID: periodID, Findings: findings})
	}

	now := s.clock.Now()
	prevVersion := period.Version
	period.Status = model.PeriodStatusHardClosed
	period.Version++
	period.SnapshotID = snap.ID
	period.ClosedBy = closedBy
	period.ClosedAt = &now
	period.UpdatedAt = now

	err = s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		late, err := s.postingsSince(ctx, period, latest)
		if err != nil {
			return err
		}
		if len(late) > 0 {
			return &model.PeriodCloseValidationError{TenantID: tenantID, PeriodID: periodID, Findings: []model.Finding{{
				Code:    model.FindingPostedDuringClose,
				Message: fmt.Sprintf("entries posted while closing: %s", strings.Join(late, ", ")),
			}}}
		}

		if err := s.snapshotRepo.Save(ctx, snap); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
		if err := s.periodRepo.Update(ctx, period, prevVersion); err != nil {
			return err
		}

		if err := s.appendPeriodEvent(ctx, period, model.EventTypePeriodClosed, map[string]any{
			"period_id":   period.ID,
			"snapshot_id": snap.ID,
			"merkle_root": snap.MerkleRoot,
			"checksum":    snap.Checksum,
			"closed_by":   closedBy,
			"force_close": opts.ForceClose,
		}); err != nil {
			return err
		}

		return s.auditRepo.Append(ctx, &model.AuditRecord{
			TenantID:      tenantID,
			Action:        model.AuditActionPeriodClosed,
			ActorID:       closedBy,
			SubjectID:     periodID,
			CorrelationID: logger.CorrelationID(ctx),
			Details: map[string]any{
				"snapshot_id":     snap.ID,
				"merkle_root":     snap.MerkleRoot,
				"force_close":     opts.ForceClose,
				"skip_validation": opts.SkipValidation,
			},
			RecordedAt: now,
		})
	})
	var verr *model.PeriodCloseValidationError
	if errors.As(err, &verr) {
		return nil, s.reject(ctx, log, closedBy, verr)
	}
	if err != nil {
		return nil, err
	}

	log.Info("period closed",
		slog.String("snapshot_id", snap.ID),
		slog.String("merkle_root", snap.MerkleRoot),
		slog.Int("balances", len(snap.Balances)),
	)

	return &model.CloseResult{Period: period, Snapshot: snap}, nil
}

// preflight compares the projection watermark with the log and returns the log position it saw.
func (s *PeriodCloseServiceImpl) preflight(
	ctx context.Context, tenantID string, health *model.ProjectionHealth,
) ([]model.Finding, int64, error) {
	latest, err := s.eventRepo.LatestPosition(ctx, tenantID)
	if err != nil {
		return nil, 0, err
	}

	if health == nil {
		if latest == 0 {
			return nil, latest, nil
		}

		return []model.Finding{{
			Code:    model.FindingProjectionUnverified,
			Message: "balances have never been materialized",
		}}, latest, nil
	}

	if health.LastEventID < latest {
		return []model.Finding{{
			Code:    model.FindingProjectionBehind,
			Message: fmt.Sprintf("projection at event %d, log at %d", health.LastEventID, latest),
		}}, latest, nil
	}

	return nil, latest, nil
}

// postingsSince returns the entry ids of journal postings into the period appended after position.
func (s *PeriodCloseServiceImpl) postingsSince(ctx context.Context, period *model.Period, after int64) ([]string, error) {
	var entries []string
	for {
		events, err := s.eventRepo.ListAfterPosition(ctx, period.TenantID, after, postingScanBatch)
		if err != nil {
			return nil, err
		}

		for _, e := range events {
			after = e.Position
			if e.EventType != model.EventTypeJournalEntryPosted {
				continue
			}

			j, err := decodeJournal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", e.Position, err)
			}
			date, err := j.ParsePostingDate()
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", e.Position, err)
			}
			if !date.Before(period.StartDate) && !date.After(period.EndDate) {
				entries = append(entries, j.EntryID)
			}
		}

		if len(events) < postingScanBatch {
			return entries, nil
		}
	}
}

// reject audits a refused close and returns verr.
func (s *PeriodCloseServiceImpl) reject(
	ctx context.Context, log *slog.Logger, closedBy string, verr *model.PeriodCloseValidationError,
) error {
	s.audit(ctx, log, &model.AuditRecord{
		TenantID:  verr.TenantID,
		Action:    model.AuditActionPeriodCloseRejected,
		ActorID:   closedBy,
		SubjectID: verr.PeriodID,
		Details:   map[string]any{"findings": verr.Findings},
	})
	log.Warn("period close rejected", slog.String("error", verr.Error()))

	return verr
}

func (s *PeriodCloseServiceImpl) buildSnapshot(ctx context.Context, period *model.Period, createdBy string) (*model.PeriodSnapshot, error) {
	balances, err := s.balanceRepo.ListAsOf(ctx, period.TenantID, period.EndDate)
	if err != nil {
		return nil, err
	}

	canonical := model.NewBalanceSet(balances...).All()
	snap := &model.PeriodSnapshot{
		ID:         s.ids.NewID(),
		PeriodID:   period.ID,
		TenantID:   period.TenantID,
		AsOfDate:   period.EndDate,
		Balances:   canonical,
		MerkleRoot: integrity.MerkleRoot(canonical),
		Checksum:   integrity.Checksum(canonical),
		CreatedAt:  s.clock.Now(),
		CreatedBy:  createdBy,
	}

	if s.keyring != nil {
		sig, keyID, err := s.keyring.Sign(period.TenantID, snap.MerkleRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to sign snapshot: %w", err)
		}
		snap.Signature, snap.SignatureKeyID = sig, keyID
	}

	return snap, nil
}

// validate re-derives the snapshot from its serialized form and cross-checks the projection.
func (s *PeriodCloseServiceImpl) validate(
	ctx context.Context, period *model.Period, snap *model.PeriodSnapshot, caughtUp bool,
) ([]model.Finding, error) {
	var findings []model.Finding

	encoded, err := json.Marshal(snap.Balances)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var decoded []model.AccountBalance
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if root := integrity.MerkleRoot(decoded); root != snap.MerkleRoot {
		findings = append(findings, finding(model.FindingMerkleRootMismatch,
			&model.ChecksumMismatchError{Subject: "snapshot merkle root", Expected: snap.MerkleRoot, Actual: root}))
	}
	if sum := integrity.Checksum(decoded); sum != snap.Checksum {
		findings = append(findings, finding(model.FindingChecksumMismatch,
			&model.ChecksumMismatchError{Subject: "snapshot checksum", Expected: snap.Checksum, Actual: sum}))
	}

	var (
		health *model.ProjectionHealth
		actual string
	)
	err = s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		health, actual, err = readProjectionState(ctx, s.healthRepo, s.balanceRepo, period.TenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if health != nil && actual != health.Checksum {
		findings = append(findings, finding(model.FindingProjectionTampered,
			&model.ChecksumMismatchError{Subject: "materialized balances", Expected: health.Checksum, Actual: actual}))
	}

	if caughtUp {
		parity, err := s.projection.VerifyProjectionParity(ctx, period.TenantID, period.EndDate)
		if err != nil {
			return nil, err
		}
		if !parity.Matches {
			findings = append(findings, model.Finding{
				Code:    model.FindingProjectionParity,
				Message: fmt.Sprintf("materialized balances differ from replayed events by %d minor units", parity.Delta),
			})
		}
	}

	return findings, nil
}

// ReopenPeriod returns a HARD_CLOSED period to OPEN. The approver must differ from both the
// user reopening the period and the user who closed it.
func (s *PeriodCloseServiceImpl) ReopenPeriod(ctx context.Context, params *model.ReopenParams) (*model.Period, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "PeriodClose.Reopen", trace.WithAttributes(
		attribute.String("tenant_id", params.TenantID),
		attribute.String("period_id", params.PeriodID),
	))
	defer span.End()

	log := logger.FromContext(ctx, s.logger).With(
		slog.String("tenant_id", params.TenantID),
		slog.String("period_id", params.PeriodID),
	)

	key := lock.PeriodKey(params.TenantID, params.PeriodID)
	period, err := withPeriodLock(ctx, s.locker, s.logger, key, func(ctx context.Context) (*model.Period, error) {
		period, err := s.periodRepo.FindByID(ctx, params.TenantID, params.PeriodID)
		if err != nil {
			return nil, err
		}
		if period.Status != model.PeriodStatusHardClosed {
			return nil, fmt.Errorf("%w: period %s is %s", model.ErrPeriodNotClosed, period.ID, period.Status)
		}
		if strings.EqualFold(strings.TrimSpace(period.ClosedBy), strings.TrimSpace(params.ApproverID)) {
			return nil, fmt.Errorf("%w: approver closed the period", model.ErrSeparationOfDuties)
		}

		now := s.clock.Now()
		prevVersion := period.Version
		period.Status = model.PeriodStatusOpen
		period.Version++
		period.ReopenedBy = params.ReopenedBy
		period.ReopenApprovedBy = params.ApproverID
		period.ReopenReason = params.Reason
		period.ReopenedAt = &now
		period.UpdatedAt = now

		err = s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
			if err := s.periodRepo.Update(ctx, period, prevVersion); err != nil {
				return err
			}

			if err := s.appendPeriodEvent(ctx, period, model.EventTypePeriodReopened, map[string]any{
				"period_id":   period.ID,
				"snapshot_id": period.SnapshotID,
				"reopened_by": params.ReopenedBy,
				"approver_id": params.ApproverID,
				"reason":      params.Reason,
			}); err != nil {
				return err
			}

			return s.auditRepo.Append(ctx, &model.AuditRecord{
				TenantID:      params.TenantID,
				Action:        model.AuditActionPeriodReopened,
				ActorID:       params.ReopenedBy,
				SubjectID:     params.PeriodID,
				CorrelationID: logger.CorrelationID(ctx),
				Details: map[string]any{
					"approver_id": params.ApproverID,
					"reason":      params.Reason,
					"snapshot_id": period.SnapshotID,
				},
				RecordedAt: now,
			})
		})
		if err != nil {
			return nil, err
		}

		return period, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	log.Warn("period reopened",
		slog.String("reopened_by", params.ReopenedBy),
		slog.String("approver_id", params.ApproverID),
	)

	return period, nil
}

// GetSnapshot returns a stored snapshot.
func (s *PeriodCloseServiceImpl) GetSnapshot(ctx context.Context, tenantID, snapshotID string) (*model.PeriodSnapshot, error) {
	return s.snapshotRepo.FindByID(ctx, tenantID, snapshotID)
}

// VerifySnapshot returns a *model.ChecksumMismatchError if the stored snapshot no longer matches
// its recorded root, checksum or signature.
func (s *PeriodCloseServiceImpl) VerifySnapshot(ctx context.Context, tenantID, snapshotID string) error {
	snap, err := s.snapshotRepo.FindByID(ctx, tenantID, snapshotID)
	if err != nil {
		return err
	}

	return s.verify(snap)
}

func (s *PeriodCloseServiceImpl) verify(snap *model.PeriodSnapshot) error {
	if root := integrity.MerkleRoot(snap.Balances); root != snap.MerkleRoot {
		return &model.ChecksumMismatchError{Subject: "snapshot merkle root", Expected: snap.MerkleRoot, Actual: root}
	}
	if sum := integrity.Checksum(snap.Balances); sum != snap.Checksum {
		return &model.ChecksumMismatchError{Subject: "snapshot checksum", Expected: snap.Checksum, Actual: sum}
	}

	if snap.Signature == "" {
		return nil
	}
	if s.keyring == nil {
		return fmt.Errorf("snapshot %s is signed but no keyring is configured", snap.ID)
	}
	if err := s.keyring.Verify(snap.TenantID, snap.MerkleRoot, snap.Signature, snap.SignatureKeyID); err != nil {
		return &model.ChecksumMismatchError{Subject: "snapshot signature", Expected: snap.Signature, Actual: err.Error()}
	}

	return nil
}

// ExportSnapshot verifies the snapshot and writes it as an XLSX workbook.
func (s *PeriodCloseServiceImpl) ExportSnapshot(ctx context.Context, w io.Writer, tenantID, snapshotID string) error {
	snap, err := s.snapshotRepo.FindByID(ctx, tenantID, snapshotID)
	if err != nil {
		return err
	}
	if err := s.verify(snap); err != nil {
		return err
	}

	period, err := s.periodRepo.FindByID(ctx, tenantID, snap.PeriodID)
	if err != nil {
		return err
	}

	return export.WriteSnapshot(w, period, snap)
}

// WithPostingLock serializes a posting with close and reopen of its period.
// Dates outside any registered period are not locked.
func (s *PeriodCloseServiceImpl) WithPostingLock(
	ctx context.Context, tenantID string, postingDate time.Time, fn func(ctx context.Context) error,
) error {
	period, err := s.periodRepo.FindByDate(ctx, tenantID, postingDate)
	if errors.Is(err, model.ErrNotFound) {
		return fn(ctx)
	}
	if err != nil {
		return err
	}

	key := lock.PeriodKey(tenantID, period.ID)
	_, err = withPeriodLock(ctx, s.locker, s.logger, key, func(ctx context.Context) (*model.Period, error) {
		current, err := s.periodRepo.FindByID(ctx, tenantID, period.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == model.PeriodStatusHardClosed {
			return nil, fmt.Errorf("%w: period %s", model.ErrPeriodClosed, current.ID)
		}

		return current, fn(ctx)
	})

	return err
}

// ListAudit returns the tenant's newest audit records.
func (s *PeriodCloseServiceImpl) ListAudit(ctx context.Context, tenantID string, limit int) ([]*model.AuditRecord, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	return s.auditRepo.ListByTenant(ctx, tenantID, limit)
}

func (s *PeriodCloseServiceImpl) appendPeriodEvent(
	ctx context.Context, period *model.Period, eventType string, payload map[string]any,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	streamID := model.PeriodStreamID(period.ID)
	version, err := s.eventRepo.StreamVersion(ctx, period.TenantID, streamID)
	if err != nil {
		return err
	}

	_, err = s.eventStore.Append(ctx, &model.AppendParams{
		TenantID:        period.TenantID,
		StreamID:        streamID,
		Events:          []model.NewEvent{{EventType: eventType, Payload: body, OccurredAt: s.clock.Now()}},
		ExpectedVersion: version,
	})

	return err
}

// audit records outside any transaction; a failure is logged, not returned.
func (s *PeriodCloseServiceImpl) audit(ctx context.Context, log *slog.Logger, rec *model.AuditRecord) {
	rec.CorrelationID = logger.CorrelationID(ctx)
	rec.RecordedAt = s.clock.Now()

	if err := s.auditRepo.Append(ctx, rec); err != nil {
		log.Error("failed to append audit record",
			slog.String("action", rec.Action),
			slog.String("error", err.Error()),
		)
	}
}

// withPeriodLock runs fn under the period lock, releasing it on every path.
func withPeriodLock[T any](
	ctx context.Context, locker lock.Locker, log *slog.Logger, key string, fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	release, err := locker.Acquire(ctx, key)
	if err != nil {
		return zero, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Error("failed to release period lock", slog.String("key", key), slog.String("error", err.Error()))
		}
	}()

	return fn(lock.WithHeld(ctx, key))
}

func finding(code string, err error) model.Finding {
	return model.Finding{Code: code, Message: err.Error()}
}
