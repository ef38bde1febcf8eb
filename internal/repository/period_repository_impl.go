package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ledger-core/internal/model"
)

const periodColumns = `period_id, tenant_id, name, start_date, end_date, status, version, snapshot_id,
	closed_by, closed_at, reopened_by, reopen_approved_by, reopen_reason, reopened_at, created_at, updated_at`

// PeriodRepositoryImpl implements PeriodRepository using PostgreSQL.
type PeriodRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewPeriodRepositoryImpl creates a new PeriodRepository implementation.
func NewPeriodRepositoryImpl(pool *pgxpool.Pool) PeriodRepository {
	return &PeriodRepositoryImpl{pool: pool}
}

// Create inserts a new period. An existing id yields model.ErrDuplicate.
func (r *PeriodRepositoryImpl) Create(ctx context.Context, p *model.Period) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO accounting_periods (`+periodColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.TenantID, p.Name, utcDate(p.StartDate), utcDate(p.EndDate), string(p.Status), p.Version, p.SnapshotID,
		p.ClosedBy, p.ClosedAt, p.ReopenedBy, p.ReopenApprovedBy, p.ReopenReason, p.ReopenedAt, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create period: %w", err)
	}

	return nil
}

// FindByID returns the tenant's period or model.ErrNotFound.
func (r *PeriodRepositoryImpl) FindByID(ctx context.Context, tenantID, periodID string) (*model.Period, error) {
	return r.findOne(ctx, `SELECT `+periodColumns+` FROM accounting_periods
		WHERE tenant_id = $1 AND period_id = $2`, tenantID, periodID)
}

// FindByTenant returns the tenant's periods ordered by start date.
func (r *PeriodRepositoryImpl) FindByTenant(ctx context.Context, tenantID string) ([]*model.Period, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+periodColumns+` FROM accounting_periods
		WHERE tenant_id = $1 ORDER BY start_date, period_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}

	return collectPeriods(rows)
}

// FindByDate returns the period whose range contains date.
func (r *PeriodRepositoryImpl) FindByDate(ctx context.Context, tenantID string, date time.Time) (*model.Period, error) {
	return r.findOne(ctx, `SELECT `+periodColumns+` FROM accounting_periods
		WHERE tenant_id = $1 AND start_date <= $2 AND end_date >= $2
		ORDER BY start_date DESC LIMIT 1`, tenantID, utcDate(date))
}

// Update writes p guarded by its previous version.
func (r *PeriodRepositoryImpl) Update(ctx context.Context, p *model.Period, expectedVersion int64) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE accounting_periods SET
			name = $3, status = $4, version = $5, snapshot_id = $6, closed_by = $7, closed_at = $8,
			reopened_by = $9, reopen_approved_by = $10, reopen_reason = $11, reopened_at = $12, updated_at = $13
		WHERE tenant_id = $1 AND period_id = $2 AND version = $14`,
		p.TenantID, p.ID, p.Name, string(p.Status), p.Version, p.SnapshotID, p.ClosedBy, p.ClosedAt,
		p.ReopenedBy, p.ReopenApprovedBy, p.ReopenReason, p.ReopenedAt, p.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: period %s changed concurrently", model.ErrStaleWrite, p.ID)
	}

	return nil
}

func (r *PeriodRepositoryImpl) findOne(ctx context.Context, sql string, args ...any) (*model.Period, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find period: %w", err)
	}

	periods, err := collectPeriods(rows)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, model.ErrNotFound
	}

	return periods[0], nil
}

func collectPeriods(rows pgx.Rows) ([]*model.Period, error) {
	periods, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Period, error) {
		var (
			p                    model.Period
			status               string
			closedAt, reopenedAt *time.Time
		)
		if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.StartDate, &p.EndDate, &status, &p.Version, &p.SnapshotID,
			&p.ClosedBy, &closedAt, &p.ReopenedBy, &p.ReopenApprovedBy, &p.ReopenReason, &reopenedAt,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = model.PeriodStatus(status)
		p.StartDate = utcDate(p.StartDate)
		p.EndDate = utcDate(p.EndDate)
		p.ClosedAt = utcPtr(closedAt)
		p.ReopenedAt = utcPtr(reopenedAt)
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()

		return &p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan periods: %w", err)
	}

	return periods, nil
}
