package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ledger-core/internal/model"
)

// appendLockKey serializes appends so global positions become visible in commit order.
const appendLockKey = 7_206_110_231

const eventColumns = `position, event_id, tenant_id, stream_id, sequence_number, event_type, payload, correlation_id, occurred_at, recorded_at`

// EventRepositoryImpl implements EventRepository using PostgreSQL.
type EventRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewEventRepositoryImpl creates a new EventRepository implementation.
func NewEventRepositoryImpl(pool *pgxpool.Pool) EventRepository {
	return &EventRepositoryImpl{pool: pool}
}

// StreamVersion returns the current length of the stream, which is also its next sequence number.
func (r *EventRepositoryImpl) StreamVersion(ctx context.Context, tenantID, streamID string) (int64, error) {
	var version int64
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM ledger_events WHERE tenant_id = $1 AND stream_id = $2`,
		tenantID, streamID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream version: %w", err)
	}

	return version, nil
}

// Insert stores events in order and assigns positions.
func (r *EventRepositoryImpl) Insert(ctx context.Context, events []*model.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}

	q := conn(ctx, r.pool)
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(appendLockKey)); err != nil {
		return fmt.Errorf("failed to take append lock: %w", err)
	}

	for _, e := range events {
		err := q.QueryRow(ctx, `
			INSERT INTO ledger_events
				(event_id, tenant_id, stream_id, sequence_number, event_type, payload, correlation_id, occurred_at, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING position`,
			e.ID, e.TenantID, e.StreamID, e.SequenceNumber, e.EventType, []byte(e.Payload), e.CorrelationID, e.OccurredAt,
			e.RecordedAt,
		).Scan(&e.Position)
		if isUniqueViolation(err) {
			return &model.ConcurrencyError{
				TenantID:        e.TenantID,
				StreamID:        e.StreamID,
				ExpectedVersion: events[0].SequenceNumber,
				ActualVersion:   -1,
			}
		}
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	return nil
}

// ListByStream returns events with sequence number at or above fromSequence.
func (r *EventRepositoryImpl) ListByStream(
	ctx context.Context, tenantID, streamID string, fromSequence int64,
) ([]*model.DomainEvent, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM ledger_events
		WHERE tenant_id = $1 AND stream_id = $2 AND sequence_number >= $3
		ORDER BY sequence_number`, tenantID, streamID, fromSequence)
}

// ListFromTimestamp returns the tenant's events that occurred at or after from.
func (r *EventRepositoryImpl) ListFromTimestamp(
	ctx context.Context, tenantID string, from time.Time,
) ([]*model.DomainEvent, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM ledger_events
		WHERE tenant_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at, position`, tenantID, from)
}

// ListAfterPosition pages through the tenant's log in position order.
func (r *EventRepositoryImpl) ListAfterPosition(
	ctx context.Context, tenantID string, after int64, limit int,
) ([]*model.DomainEvent, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM ledger_events
		WHERE tenant_id = $1 AND position > $2
		ORDER BY position LIMIT $3`, tenantID, after, limit)
}

// FirstAfterPosition returns the oldest event beyond after.
func (r *EventRepositoryImpl) FirstAfterPosition(
	ctx context.Context, tenantID string, after int64,
) (*model.DomainEvent, error) {
	events, err := r.ListAfterPosition(ctx, tenantID, after, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, model.ErrNotFound
	}

	return events[0], nil
}

// LatestPosition returns the tenant's highest position, 0 when empty.
func (r *EventRepositoryImpl) LatestPosition(ctx context.Context, tenantID string) (int64, error) {
	var pos int64
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM ledger_events WHERE tenant_id = $1`, tenantID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest position: %w", err)
	}

	return pos, nil
}

// ListTenants returns every tenant with at least one event.
func (r *EventRepositoryImpl) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT DISTINCT tenant_id FROM ledger_events ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	return tenants, nil
}

func (r *EventRepositoryImpl) query(ctx context.Context, sql string, args ...any) ([]*model.DomainEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.DomainEvent, error) {
		var (
			e       model.DomainEvent
			payload []byte
		)
		if err := row.Scan(&e.Position, &e.ID, &e.TenantID, &e.StreamID, &e.SequenceNumber,
			&e.EventType, &payload, &e.CorrelationID, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.OccurredAt = e.OccurredAt.UTC()
		e.RecordedAt = e.RecordedAt.UTC()

		return &e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}

	return events, nil
}
