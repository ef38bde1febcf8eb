// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/jnst/ledger-core/internal/model"
)

// EventRepository defines methods for the append-only event log.
type EventRepository interface {
	// StreamVersion returns the number of events in the stream. Sequence numbers start at 0,
	// so it is also the next sequence number.
	StreamVersion(ctx context.Context, tenantID, streamID string) (int64, error)
	// Insert stores events and assigns their global Position. A taken sequence number
	// yields a *model.ConcurrencyError.
	Insert(ctx context.Context, events []*model.DomainEvent) error
	// ListByStream returns events with sequence number >= fromSequence.
	ListByStream(ctx context.Context, tenantID, streamID string, fromSequence int64) ([]*model.DomainEvent, error)
	ListFromTimestamp(ctx context.Context, tenantID string, from time.Time) ([]*model.DomainEvent, error)
	ListAfterPosition(ctx context.Context, tenantID string, after int64, limit int) ([]*model.DomainEvent, error)
	// FirstAfterPosition returns the oldest event past the watermark or model.ErrNotFound.
	FirstAfterPosition(ctx context.Context, tenantID string, after int64) (*model.DomainEvent, error)
	LatestPosition(ctx context.Context, tenantID string) (int64, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// IdempotencyRepository defines methods for append idempotency records.
type IdempotencyRepository interface {
	Get(ctx context.Context, tenantID, streamID, key string) (*model.IdempotencyRecord, error)
	Save(ctx context.Context, rec *model.IdempotencyRecord) error
}

// OutboxRepository defines methods for outbox event data access.
type OutboxRepository interface {
	CreateEvents(ctx context.Context, events []*model.OutboxEvent) error
	// ClaimReady moves up to limit due READY rows to PROCESSING under token and returns them.
	// A row is returned to at most one caller.
	ClaimReady(ctx context.Context, now time.Time, limit int, token string) ([]*model.OutboxEvent, error)
	// MarkPublished, MarkRetry and MarkFailed settle a row only while it is still leased
	// under token. Otherwise they return model.ErrStaleWrite.
	MarkPublished(ctx context.Context, id, token string, now time.Time) error
	MarkRetry(ctx context.Context, id, token string, retryCount int, nextAttemptAt time.Time, reason string, now time.Time) error
	MarkFailed(ctx context.Context, id, token string, retryCount int, reason string, now time.Time) error
	// ReleaseStale returns PROCESSING rows claimed before staleBefore to READY and drops their tokens.
	ReleaseStale(ctx context.Context, staleBefore, now time.Time) (int64, error)
	// Requeue moves a FAILED row back to READY with a fresh retry budget.
	Requeue(ctx context.Context, tenantID, id string, now time.Time) error
	GetByID(ctx context.Context, tenantID, id string) (*model.OutboxEvent, error)
	List(ctx context.Context, filter model.OutboxFilter) ([]*model.OutboxEvent, error)
	Summary(ctx context.Context, tenantID string) (*model.OutboxSummary, error)
}

// BalanceRepository defines methods for the materialized balance movements.
type BalanceRepository interface {
	// ApplyMovements adds each movement to its (account, currency, posting date) bucket.
	ApplyMovements(ctx context.Context, movements []model.BalanceMovement) error
	// ListAsOf sums movements with posting date <= asOf, ordered by account code then currency.
	ListAsOf(ctx context.Context, tenantID string, asOf time.Time) ([]model.AccountBalance, error)
	ListMovements(ctx context.Context, tenantID string) ([]model.BalanceMovement, error)
	DeleteTenant(ctx context.Context, tenantID string) error
}

// ProjectionHealthRepository defines methods for projection watermarks.
type ProjectionHealthRepository interface {
	Get(ctx context.Context, tenantID, projection string) (*model.ProjectionHealth, error)
	// Lock blocks other writers and checkers of the tenant's projection until the surrounding
	// transaction ends. Outside a transaction it has no lasting effect.
	Lock(ctx context.Context, tenantID, projection string) error
	// Save writes h only if the stored watermark still equals expectedLastEventID
	// (0 for a projection that has never run). Otherwise it returns model.ErrStaleWrite.
	Save(ctx context.Context, h *model.ProjectionHealth, expectedLastEventID int64) error
	Delete(ctx context.Context, tenantID, projection string) error
}

// SnapshotRepository defines methods for immutable period snapshots.
type SnapshotRepository interface {
	Save(ctx context.Context, s *model.PeriodSnapshot) error
	FindByID(ctx context.Context, tenantID, snapshotID string) (*model.PeriodSnapshot, error)
	FindLatestByPeriod(ctx context.Context, tenantID, periodID string) (*model.PeriodSnapshot, error)
	FindByTenant(ctx context.Context, tenantID string) ([]*model.PeriodSnapshot, error)
}

// PeriodRepository defines methods for accounting periods.
type PeriodRepository interface {
	Create(ctx context.Context, p *model.Period) error
	FindByID(ctx context.Context, tenantID, periodID string) (*model.Period, error)
	FindByTenant(ctx context.Context, tenantID string) ([]*model.Period, error)
	// FindByDate returns the period containing date or model.ErrNotFound.
	FindByDate(ctx context.Context, tenantID string, date time.Time) (*model.Period, error)
	// Update stores p if the stored version equals expectedVersion, else model.ErrStaleWrite.
	Update(ctx context.Context, p *model.Period, expectedVersion int64) error
}

// AuditRepository defines methods for the append-only audit log.
type AuditRepository interface {
	Append(ctx context.Context, rec *model.AuditRecord) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*model.AuditRecord, error)
}

// TransactionManager defines methods for database transaction management.
// Repositories called with the context passed to fn take part in the transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repositories bundles one storage engine's implementations.
type Repositories struct {
	Events      EventRepository
	Idempotency IdempotencyRepository
	Outbox      OutboxRepository
	Balances    BalanceRepository
	Health      ProjectionHealthRepository
	Snapshots   SnapshotRepository
	Periods     PeriodRepository
	Audit       AuditRepository
	Tx          TransactionManager
}
