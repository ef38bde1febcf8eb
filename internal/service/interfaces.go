// Package service provides business logic layer implementations.
package service

import (
	"context"
	"io"
	"time"

	"github.com/jnst/ledger-core/internal/model"
)

// EventStore defines the append-only, tenant-scoped event log.
type EventStore interface {
	// Append adds events to a stream whose current length must equal params.ExpectedVersion.
	// One READY outbox row per event is written in the same transaction. Journal postings
	// hold the lock of every period they post into until the transaction ends.
	Append(ctx context.Context, params *model.AppendParams) (*model.AppendResult, error)
	// GetEvents returns the stream's events starting at sequence number fromVersion.
	GetEvents(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]*model.DomainEvent, error)
	// GetEventsFromTimestamp returns the tenant's events across all streams that occurred at or after from.
	GetEventsFromTimestamp(ctx context.Context, tenantID string, from time.Time) ([]*model.DomainEvent, error)
}

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	// ProcessReadyEvents claims up to limit due rows, publishes them and settles each one.
	// It returns the number of rows claimed.
	ProcessReadyEvents(ctx context.Context, limit int) (int, error)
	GetEvent(ctx context.Context, tenantID, id string) (*model.OutboxEvent, error)
	ListEvents(ctx context.Context, filter model.OutboxFilter) ([]*model.OutboxEvent, error)
	Summary(ctx context.Context, tenantID string) (*model.OutboxSummary, error)
	Requeue(ctx context.Context, tenantID, id string) error
}

// ProjectionService defines the trial balance projection.
type ProjectionService interface {
	// Materialize folds events past the watermark that occurred on or before asOf.
	Materialize(ctx context.Context, tenantID string, asOf time.Time) (*model.ProjectionHealth, error)
	// Rebuild drops the tenant's materialized state and replays every event.
	Rebuild(ctx context.Context, tenantID string, asOf time.Time) (*model.ProjectionHealth, error)
	GetTrialBalance(ctx context.Context, tenantID string, asOf time.Time) (*model.TrialBalance, error)
	GetTrialBalanceIn(ctx context.Context, tenantID string, asOf time.Time, currency string) (*model.TrialBalance, error)
	VerifyProjectionParity(ctx context.Context, tenantID string, asOf time.Time) (*model.ParityResult, error)
	CheckHealth(ctx context.Context, tenantID string) (*model.HealthReport, error)
}

// PeriodCloseService defines the accounting period lifecycle.
type PeriodCloseService interface {
	OpenPeriod(ctx context.Context, params *model.OpenPeriodParams) (*model.Period, error)
	GetPeriod(ctx context.Context, tenantID, periodID string) (*model.Period, error)
	ListPeriods(ctx context.Context, tenantID string) ([]*model.Period, error)
	ClosePeriod(ctx context.Context, tenantID, periodID, closedBy string, opts model.CloseOptions) (*model.CloseResult, error)
	ReopenPeriod(ctx context.Context, params *model.ReopenParams) (*model.Period, error)
	GetSnapshot(ctx context.Context, tenantID, snapshotID string) (*model.PeriodSnapshot, error)
	// VerifySnapshot recomputes the stored snapshot's root, checksum and signature.
	VerifySnapshot(ctx context.Context, tenantID, snapshotID string) error
	ExportSnapshot(ctx context.Context, w io.Writer, tenantID, snapshotID string) error
	// WithPostingLock runs fn while holding the lock of the period containing postingDate.
	// Postings into a HARD_CLOSED period are rejected with model.ErrPeriodClosed.
	WithPostingLock(ctx context.Context, tenantID string, postingDate time.Time, fn func(ctx context.Context) error) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]*model.AuditRecord, error)
}
