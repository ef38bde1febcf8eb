package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ledger-core/internal/model"
)

const outboxColumns = `id, tenant_id, event_id, topic, message_key, payload, status, retry_count,
	next_attempt_at, error_reason, created_at, updated_at, processed_at, claim_token`

const defaultListLimit = 100

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{pool: pool}
}

// CreateEvents inserts READY rows. Call it in the transaction that appends the events.
func (r *OutboxRepositoryImpl) CreateEvents(ctx context.Context, events []*model.OutboxEvent) error {
	q := conn(ctx, r.pool)
	for _, e := range events {
		_, err := q.Exec(ctx, `
			INSERT INTO outbox_events
				(id, tenant_id, event_id, topic, message_key, payload, status, retry_count,
				 next_attempt_at, error_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.TenantID, e.EventID, e.Topic, e.Key, e.Payload, string(e.Status), e.RetryCount,
			e.NextAttemptAt, e.ErrorReason, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create outbox event: %w", err)
		}
	}

	return nil
}

// ClaimReady leases due rows with FOR UPDATE SKIP LOCKED so concurrent workers never share a row.
func (r *OutboxRepositoryImpl) ClaimReady(
	ctx context.Context, now time.Time, limit int, token string,
) ([]*model.OutboxEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		UPDATE outbox_events SET status = 'PROCESSING', updated_at = $1, claim_token = $3
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'READY' AND next_attempt_at <= $1
			ORDER BY status, next_attempt_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, now, limit, token)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	events, err := collectOutbox(rows)
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].NextAttemptAt.Equal(events[j].NextAttemptAt) {
			return events[i].NextAttemptAt.Before(events[j].NextAttemptAt)
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	return events, nil
}

// MarkPublished moves a leased row to PUBLISHED.
func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, id, token string, now time.Time) error {
	return r.settle(ctx, `
		UPDATE outbox_events
		SET status = 'PUBLISHED', processed_at = $3, updated_at = $3, error_reason = '', claim_token = ''
		WHERE id = $1 AND status = 'PROCESSING' AND claim_token = $2`, id, token, now)
}

// MarkRetry returns a leased row to READY with a later next attempt.
func (r *OutboxRepositoryImpl) MarkRetry(
	ctx context.Context, id, token string, retryCount int, nextAttemptAt time.Time, reason string, now time.Time,
) error {
	return r.settle(ctx, `
		UPDATE outbox_events
		SET status = 'READY', retry_count = $3, next_attempt_at = $4, error_reason = $5, updated_at = $6, claim_token = ''
		WHERE id = $1 AND status = 'PROCESSING' AND claim_token = $2`, id, token, retryCount, nextAttemptAt, reason, now)
}

// MarkFailed moves a leased row to the terminal FAILED state.
func (r *OutboxRepositoryImpl) MarkFailed(
	ctx context.Context, id, token string, retryCount int, reason string, now time.Time,
) error {
	return r.settle(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = $3, error_reason = $4, processed_at = $5, updated_at = $5, claim_token = ''
		WHERE id = $1 AND status = 'PROCESSING' AND claim_token = $2`, id, token, retryCount, reason, now)
}

// ReleaseStale returns expired leases to READY.
func (r *OutboxRepositoryImpl) ReleaseStale(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE outbox_events SET status = 'READY', updated_at = $2, claim_token = ''
		WHERE status = 'PROCESSING' AND updated_at < $1`, staleBefore, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale outbox events: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Requeue gives a FAILED row a fresh retry budget.
func (r *OutboxRepositoryImpl) Requeue(ctx context.Context, tenantID, id string, now time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE outbox_events
		SET status = 'READY', retry_count = 0, next_attempt_at = $3, processed_at = NULL, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status = 'FAILED'`, tenantID, id, now)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}

	return nil
}

// GetByID returns one row of the tenant.
func (r *OutboxRepositoryImpl) GetByID(ctx context.Context, tenantID, id string) (*model.OutboxEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}

	events, err := collectOutbox(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, model.ErrNotFound
	}

	return events[0], nil
}

// List returns rows matching filter, oldest first.
func (r *OutboxRepositoryImpl) List(ctx context.Context, filter model.OutboxFilter) ([]*model.OutboxEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Topic != "" {
		add("topic = $%d", filter.Topic)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	sql := `SELECT ` + outboxColumns + ` FROM outbox_events`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", err)
	}

	return collectOutbox(rows)
}

// Summary counts rows per status. An empty tenant summarizes every tenant.
func (r *OutboxRepositoryImpl) Summary(ctx context.Context, tenantID string) (*model.OutboxSummary, error) {
	q := conn(ctx, r.pool)
	summary := &model.OutboxSummary{TenantID: tenantID}

	rows, err := q.Query(ctx, `
		SELECT status, count(*) FROM outbox_events
		WHERE ($1 = '' OR tenant_id = $1)
		GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize outbox: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outbox summary: %w", err)
		}
		applyCount(summary, model.OutboxStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to summarize outbox: %w", err)
	}

	var (
		oldestID string
		oldestAt time.Time
	)
	err = q.QueryRow(ctx, `
		SELECT id, created_at FROM outbox_events
		WHERE status = 'READY' AND ($1 = '' OR tenant_id = $1)
		ORDER BY next_attempt_at, created_at LIMIT 1`, tenantID).Scan(&oldestID, &oldestAt)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("failed to read oldest ready outbox event: %w", err)
	}
	if err == nil {
		oldestAt = oldestAt.UTC()
		summary.OldestReadyID = oldestID
		summary.OldestReadyAt = &oldestAt
	}

	return summary, nil
}

func (r *OutboxRepositoryImpl) settle(ctx context.Context, sql string, args ...any) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: outbox event %v is no longer leased", model.ErrStaleWrite, args[0])
	}

	return nil
}

func applyCount(s *model.OutboxSummary, status model.OutboxStatus, count int) {
	switch status {
	case model.OutboxStatusReady:
		s.ReadyCount = count
	case model.OutboxStatusProcessing:
		s.ProcessingCount = count
	case model.OutboxStatusPublished:
		s.PublishedCount = count
	case model.OutboxStatusFailed:
		s.FailedCount = count
	}
}

func collectOutbox(rows pgx.Rows) ([]*model.OutboxEvent, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.OutboxEvent, error) {
		var (
			e           model.OutboxEvent
			status      string
			processedAt *time.Time
		)
		if err := row.Scan(&e.ID, &e.TenantID, &e.EventID, &e.Topic, &e.Key, &e.Payload, &status, &e.RetryCount,
			&e.NextAttemptAt, &e.ErrorReason, &e.CreatedAt, &e.UpdatedAt, &processedAt, &e.ClaimToken); err != nil {
			return nil, err
		}
		e.Status = model.OutboxStatus(status)
		e.NextAttemptAt = e.NextAttemptAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		e.UpdatedAt = e.UpdatedAt.UTC()
		e.ProcessedAt = utcPtr(processedAt)

		return &e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox events: %w", err)
	}

	return events, nil
}
