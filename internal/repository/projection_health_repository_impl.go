package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ledger-core/internal/model"
)

// ProjectionHealthRepositoryImpl implements ProjectionHealthRepository using PostgreSQL.
type ProjectionHealthRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewProjectionHealthRepositoryImpl creates a new ProjectionHealthRepository implementation.
func NewProjectionHealthRepositoryImpl(pool *pgxpool.Pool) ProjectionHealthRepository {
	return &ProjectionHealthRepositoryImpl{pool: pool}
}

// Get returns the watermark row or model.ErrNotFound.
func (r *ProjectionHealthRepositoryImpl) Get(ctx context.Context, tenantID, projection string) (*model.ProjectionHealth, error) {
	h := model.ProjectionHealth{TenantID: tenantID, Projection: projection}

	var lastEventAt *time.Time
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT last_event_id, last_event_at, checksum, as_of_date, materialized_at, lag_seconds
		FROM projection_health WHERE tenant_id = $1 AND projection = $2`, tenantID, projection,
	).Scan(&h.LastEventID, &lastEventAt, &h.Checksum, &h.AsOfDate, &h.MaterializedAt, &h.LagSeconds)
	if isNoRows(err) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read projection health: %w", err)
	}

	h.LastEventAt = utcPtr(lastEventAt)
	h.AsOfDate = utcDate(h.AsOfDate)
	h.MaterializedAt = h.MaterializedAt.UTC()

	return &h, nil
}

// Lock takes a transaction-scoped advisory lock for the tenant's projection.
func (r *ProjectionHealthRepositoryImpl) Lock(ctx context.Context, tenantID, projection string) error {
	if _, err := conn(ctx, r.pool).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "projection:"+projection+":"+tenantID,
	); err != nil {
		return fmt.Errorf("failed to lock projection: %w", err)
	}

	return nil
}

// Save compare-and-swaps the watermark.
func (r *ProjectionHealthRepositoryImpl) Save(ctx context.Context, h *model.ProjectionHealth, expectedLastEventID int64) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO projection_health
			(tenant_id, projection, last_event_id, last_event_at, checksum, as_of_date, materialized_at, lag_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, projection) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			last_event_at = excluded.last_event_at,
			checksum = excluded.checksum,
			as_of_date = excluded.as_of_date,
			materialized_at = excluded.materialized_at,
			lag_seconds = excluded.lag_seconds
		WHERE projection_health.last_event_id = $9`,
		h.TenantID, h.Projection, h.LastEventID, h.LastEventAt, h.Checksum, utcDate(h.AsOfDate),
		h.MaterializedAt, h.LagSeconds, expectedLastEventID,
	)
	if err != nil {
		return fmt.Errorf("failed to save projection health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: projection %s for tenant %s moved past %d",
			model.ErrStaleWrite, h.Projection, h.TenantID, expectedLastEventID)
	}

	return nil
}

// Delete removes the watermark row.
func (r *ProjectionHealthRepositoryImpl) Delete(ctx context.Context, tenantID, projection string) error {
	if _, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM projection_health WHERE tenant_id = $1 AND projection = $2`, tenantID, projection); err != nil {
		return fmt.Errorf("failed to delete projection health: %w", err)
	}

	return nil
}
