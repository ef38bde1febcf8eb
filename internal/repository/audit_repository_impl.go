package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ledger-core/internal/model"
)

// AuditRepositoryImpl implements AuditRepository using PostgreSQL.
type AuditRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewAuditRepositoryImpl creates a new AuditRepository implementation.
func NewAuditRepositoryImpl(pool *pgxpool.Pool) AuditRepository {
	return &AuditRepositoryImpl{pool: pool}
}

// Append records rec and sets its id.
func (r *AuditRepositoryImpl) Append(ctx context.Context, rec *model.AuditRecord) error {
	details, err := json.Marshal(detailsOrEmpty(rec.Details))
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	err = conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO audit_log (tenant_id, action, actor_id, subject_id, correlation_id, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		rec.TenantID, rec.Action, rec.ActorID, rec.SubjectID, rec.CorrelationID, details, rec.RecordedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	return nil
}

// ListByTenant returns the newest records first.
func (r *AuditRepositoryImpl) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*model.AuditRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, tenant_id, action, actor_id, subject_id, correlation_id, details, recorded_at
		FROM audit_log WHERE tenant_id = $1
		ORDER BY recorded_at DESC, id DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.AuditRecord, error) {
		var (
			rec     model.AuditRecord
			details []byte
		)
		if err := row.Scan(&rec.ID, &rec.TenantID, &rec.Action, &rec.ActorID, &rec.SubjectID,
			&rec.CorrelationID, &details, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		rec.RecordedAt = rec.RecordedAt.UTC()

		return &rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit records: %w", err)
	}

	return records, nil
}

func detailsOrEmpty(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}

	return d
}
