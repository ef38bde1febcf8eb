package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jnst/ledger-core/internal/model"
)

const eventColumns = `position, event_id, tenant_id, stream_id, sequence_number, event_type, payload, correlation_id, occurred_at, recorded_at`

type eventRepository struct {
	db *sql.DB
}

func (r *eventRepository) StreamVersion(ctx context.Context, tenantID, streamID string) (int64, error) {
	var version int64
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM ledger_events WHERE tenant_id = ? AND stream_id = ?`,
		tenantID, streamID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}

	return version, nil
}

func (r *eventRepository) Insert(ctx context.Context, events []*model.DomainEvent) error {
	q := conn(ctx, r.db)
	for _, e := range events {
		res, err := q.ExecContext(ctx, `
			INSERT INTO ledger_events
				(event_id, tenant_id, stream_id, sequence_number, event_type, payload, correlation_id, occurred_at, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TenantID, e.StreamID, e.SequenceNumber, e.EventType, string(e.Payload), e.CorrelationID,
			toMillis(e.OccurredAt), toMillis(e.RecordedAt),
		)
		if isConstraintError(err) {
			return &model.ConcurrencyError{
				TenantID:        e.TenantID,
				StreamID:        e.StreamID,
				ExpectedVersion: events[0].SequenceNumber,
				ActualVersion:   -1,
			}
		}
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if e.Position, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("read event position: %w", err)
		}
	}

	return nil
}

func (r *eventRepository) ListByStream(
	ctx context.Context, tenantID, streamID string, fromSequence int64,
) ([]*model.DomainEvent, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM ledger_events
		WHERE tenant_id = ? AND stream_id = ? AND sequence_number >= ?
		ORDER BY sequence_number`, tenantID, streamID, fromSequence)
}

func (r *eventRepository) ListFromTimestamp(ctx context.Context, tenantID string, from time.Time) ([]*model.DomainEvent, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM ledger_events
		WHERE tenant_id = ? AND occurred_at >= ?
		ORDER BY occurred_at, position`, tenantID, toMillis(from))
}

func (r *eventRepository) ListAfterPosition(
	ctx context.Context, tenantID string, after int64, limit int,
) ([]*model.DomainEvent, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM ledger_events
		WHERE tenant_id = ? AND position > ?
		ORDER BY position LIMIT ?`, tenantID, after, limit)
}

func (r *eventRepository) FirstAfterPosition(ctx context.Context, tenantID string, after int64) (*model.DomainEvent, error) {
	events, err := r.ListAfterPosition(ctx, tenantID, after, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, model.ErrNotFound
	}

	return events[0], nil
}

func (r *eventRepository) LatestPosition(ctx context.Context, tenantID string) (int64, error) {
	var pos int64
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM ledger_events WHERE tenant_id = ?`, tenantID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("read latest position: %w", err)
	}

	return pos, nil
}

func (r *eventRepository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `SELECT DISTINCT tenant_id FROM ledger_events ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}

	return tenants, rows.Err()
}

func (r *eventRepository) query(ctx context.Context, query string, args ...any) ([]*model.DomainEvent, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*model.DomainEvent
	for rows.Next() {
		var (
			e          model.DomainEvent
			payload    string
			occurredAt int64
			recordedAt int64
		)
		if err := rows.Scan(&e.Position, &e.ID, &e.TenantID, &e.StreamID, &e.SequenceNumber,
			&e.EventType, &payload, &e.CorrelationID, &occurredAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = []byte(payload)
		e.OccurredAt = fromMillis(occurredAt)
		e.RecordedAt = fromMillis(recordedAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

type idempotencyRepository struct {
	db *sql.DB
}

func (r *idempotencyRepository) Get(ctx context.Context, tenantID, streamID, key string) (*model.IdempotencyRecord, error) {
	rec := model.IdempotencyRecord{TenantID: tenantID, StreamID: streamID, Key: key}

	var createdAt int64
	err := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT payload_hash, first_sequence, event_count, result_version, created_at
		FROM stream_idempotency
		WHERE tenant_id = ? AND stream_id = ? AND idempotency_key = ?`,
		tenantID, streamID, key,
	).Scan(&rec.PayloadHash, &rec.FirstSequence, &rec.EventCount, &rec.ResultVersion, &createdAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)

	return &rec, nil
}

func (r *idempotencyRepository) Save(ctx context.Context, rec *model.IdempotencyRecord) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO stream_idempotency
			(tenant_id, stream_id, idempotency_key, payload_hash, first_sequence, event_count, result_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.StreamID, rec.Key, rec.PayloadHash, rec.FirstSequence, rec.EventCount, rec.ResultVersion,
		toMillis(rec.CreatedAt),
	)
	if isConstraintError(err) {
		return model.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}

	return nil
}
