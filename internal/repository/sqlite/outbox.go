package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jnst/ledger-core/internal/model"
)

const outboxColumns = `id, tenant_id, event_id, topic, message_key, payload, status, retry_count,
	next_attempt_at, error_reason, created_at, updated_at, processed_at, claim_token`

const defaultListLimit = 100

type outboxRepository struct {
	db *sql.DB
}

func (r *outboxRepository) CreateEvents(ctx context.Context, events []*model.OutboxEvent) error {
	q := conn(ctx, r.db)
	for _, e := range events {
		_, err := q.ExecContext(ctx, `
			INSERT INTO outbox_events
				(id, tenant_id, event_id, topic, message_key, payload, status, retry_count,
				 next_attempt_at, error_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TenantID, e.EventID, e.Topic, e.Key, e.Payload, string(e.Status), e.RetryCount,
			toMillis(e.NextAttemptAt), e.ErrorReason, toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("create outbox event: %w", err)
		}
	}

	return nil
}

// ClaimReady selects due candidates, then leases each with a conditional update.
// Only the caller whose update changed the row owns it.
func (r *outboxRepository) ClaimReady(
	ctx context.Context, now time.Time, limit int, token string,
) ([]*model.OutboxEvent, error) {
	candidates, err := r.query(ctx, `SELECT `+outboxColumns+` FROM outbox_events
		WHERE status = 'READY' AND next_attempt_at <= ?
		ORDER BY status, next_attempt_at, created_at
		LIMIT ?`, toMillis(now), limit)
	if err != nil {
		return nil, err
	}

	q := conn(ctx, r.db)
	claimed := make([]*model.OutboxEvent, 0, len(candidates))
	for _, e := range candidates {
		res, err := q.ExecContext(ctx, `
			UPDATE outbox_events SET status = 'PROCESSING', updated_at = ?, claim_token = ?
			WHERE id = ? AND status = 'READY'`, toMillis(now), token, e.ID)
		if err != nil {
			return nil, fmt.Errorf("claim outbox event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim outbox event: %w", err)
		}
		if n != 1 {
			continue
		}

		e.Status = model.OutboxStatusProcessing
		e.UpdatedAt = now.UTC()
		e.ClaimToken = token
		claimed = append(claimed, e)
	}

	return claimed, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id, token string, now time.Time) error {
	return r.settle(ctx, id, `
		UPDATE outbox_events
		SET status = 'PUBLISHED', processed_at = ?, updated_at = ?, error_reason = '', claim_token = ''
		WHERE id = ? AND status = 'PROCESSING' AND claim_token = ?`, toMillis(now), toMillis(now), id, token)
}

func (r *outboxRepository) MarkRetry(
	ctx context.Context, id, token string, retryCount int, nextAttemptAt time.Time, reason string, now time.Time,
) error {
	return r.settle(ctx, id, `
		UPDATE outbox_events
		SET status = 'READY', retry_count = ?, next_attempt_at = ?, error_reason = ?, updated_at = ?, claim_token = ''
		WHERE id = ? AND status = 'PROCESSING' AND claim_token = ?`,
		retryCount, toMillis(nextAttemptAt), reason, toMillis(now), id, token)
}

func (r *outboxRepository) MarkFailed(
	ctx context.Context, id, token string, retryCount int, reason string, now time.Time,
) error {
	return r.settle(ctx, id, `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = ?, error_reason = ?, processed_at = ?, updated_at = ?, claim_token = ''
		WHERE id = ? AND status = 'PROCESSING' AND claim_token = ?`,
		retryCount, reason, toMillis(now), toMillis(now), id, token)
}

func (r *outboxRepository) ReleaseStale(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE outbox_events SET status = 'READY', updated_at = ?, claim_token = ''
		WHERE status = 'PROCESSING' AND updated_at < ?`, toMillis(now), toMillis(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("release stale outbox events: %w", err)
	}

	return res.RowsAffected()
}

func (r *outboxRepository) Requeue(ctx context.Context, tenantID, id string, now time.Time) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'READY', retry_count = 0, next_attempt_at = ?, processed_at = NULL, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'FAILED'`, toMillis(now), toMillis(now), tenantID, id)
	if err != nil {
		return fmt.Errorf("requeue outbox event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}

	return nil
}

func (r *outboxRepository) GetByID(ctx context.Context, tenantID, id string) (*model.OutboxEvent, error) {
	events, err := r.query(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, model.ErrNotFound
	}

	return events[0], nil
}

func (r *outboxRepository) List(ctx context.Context, filter model.OutboxFilter) ([]*model.OutboxEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, filter.Topic)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + outboxColumns + ` FROM outbox_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	return r.query(ctx, query, args...)
}

func (r *outboxRepository) Summary(ctx context.Context, tenantID string) (*model.OutboxSummary, error) {
	q := conn(ctx, r.db)
	summary := &model.OutboxSummary{TenantID: tenantID}

	rows, err := q.QueryContext(ctx, `
		SELECT status, count(*) FROM outbox_events
		WHERE (? = '' OR tenant_id = ?)
		GROUP BY status`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("summarize outbox: %w", err)
	}

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox summary: %w", err)
		}

		switch model.OutboxStatus(status) {
		case model.OutboxStatusReady:
			summary.ReadyCount = count
		case model.OutboxStatusProcessing:
			summary.ProcessingCount = count
		case model.OutboxStatusPublished:
			summary.PublishedCount = count
		case model.OutboxStatusFailed:
			summary.FailedCount = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize outbox: %w", err)
	}

	var (
		oldestID string
		oldestAt int64
	)
	err = q.QueryRowContext(ctx, `
		SELECT id, created_at FROM outbox_events
		WHERE status = 'READY' AND (? = '' OR tenant_id = ?)
		ORDER BY next_attempt_at, created_at LIMIT 1`, tenantID, tenantID).Scan(&oldestID, &oldestAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("read oldest ready outbox event: %w", err)
	default:
		at := fromMillis(oldestAt)
		summary.OldestReadyID = oldestID
		summary.OldestReadyAt = &at
	}

	return summary, nil
}

func (r *outboxRepository) settle(ctx context.Context, id, query string, args ...any) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: outbox event %s is no longer leased", model.ErrStaleWrite, id)
	}

	return nil
}

func (r *outboxRepository) query(ctx context.Context, query string, args ...any) ([]*model.OutboxEvent, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		var (
			e                                   model.OutboxEvent
			status                              string
			nextAttemptAt, createdAt, updatedAt int64
			processedAt                         sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventID, &e.Topic, &e.Key, &e.Payload, &status, &e.RetryCount,
			&nextAttemptAt, &e.ErrorReason, &createdAt, &updatedAt, &processedAt, &e.ClaimToken); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Status = model.OutboxStatus(status)
		e.NextAttemptAt = fromMillis(nextAttemptAt)
		e.CreatedAt = fromMillis(createdAt)
		e.UpdatedAt = fromMillis(updatedAt)
		e.ProcessedAt = fromNullMillis(processedAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	return events, nil
}
