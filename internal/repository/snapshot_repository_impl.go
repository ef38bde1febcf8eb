package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ledger-core/internal/model"
)

const snapshotColumns = `snapshot_id, tenant_id, period_id, as_of_date, balances, merkle_root, checksum,
	signature, signature_key_id, created_at, created_by`

// SnapshotRepositoryImpl implements SnapshotRepository using PostgreSQL.
type SnapshotRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepositoryImpl creates a new SnapshotRepository implementation.
func NewSnapshotRepositoryImpl(pool *pgxpool.Pool) SnapshotRepository {
	return &SnapshotRepositoryImpl{pool: pool}
}

// Save inserts the snapshot. Snapshots are never updated.
func (r *SnapshotRepositoryImpl) Save(ctx context.Context, s *model.PeriodSnapshot) error {
	balances, err := json.Marshal(s.Balances)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot balances: %w", err)
	}

	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO period_snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.TenantID, s.PeriodID, utcDate(s.AsOfDate), balances, s.MerkleRoot, s.Checksum,
		s.Signature, s.SignatureKeyID, s.CreatedAt, s.CreatedBy,
	)
	if isUniqueViolation(err) {
		return model.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// FindByID returns the tenant's snapshot or model.ErrNotFound.
func (r *SnapshotRepositoryImpl) FindByID(ctx context.Context, tenantID, snapshotID string) (*model.PeriodSnapshot, error) {
	return r.findOne(ctx, `SELECT `+snapshotColumns+` FROM period_snapshots
		WHERE tenant_id = $1 AND snapshot_id = $2`, tenantID, snapshotID)
}

// FindLatestByPeriod returns the newest snapshot of the period.
func (r *SnapshotRepositoryImpl) FindLatestByPeriod(ctx context.Context, tenantID, periodID string) (*model.PeriodSnapshot, error) {
	return r.findOne(ctx, `SELECT `+snapshotColumns+` FROM period_snapshots
		WHERE tenant_id = $1 AND period_id = $2
		ORDER BY created_at DESC, snapshot_id DESC LIMIT 1`, tenantID, periodID)
}

// FindByTenant returns every snapshot of the tenant, oldest first.
func (r *SnapshotRepositoryImpl) FindByTenant(ctx context.Context, tenantID string) ([]*model.PeriodSnapshot, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+snapshotColumns+` FROM period_snapshots
		WHERE tenant_id = $1 ORDER BY created_at, snapshot_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	return collectSnapshots(rows)
}

func (r *SnapshotRepositoryImpl) findOne(ctx context.Context, sql string, args ...any) (*model.PeriodSnapshot, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find snapshot: %w", err)
	}

	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, model.ErrNotFound
	}

	return snaps[0], nil
}

func collectSnapshots(rows pgx.Rows) ([]*model.PeriodSnapshot, error) {
	snaps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.PeriodSnapshot, error) {
		var (
			s        model.PeriodSnapshot
			balances []byte
		)
		if err := row.Scan(&s.ID, &s.TenantID, &s.PeriodID, &s.AsOfDate, &balances, &s.MerkleRoot, &s.Checksum,
			&s.Signature, &s.SignatureKeyID, &s.CreatedAt, &s.CreatedBy); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(balances, &s.Balances); err != nil {
			return nil, fmt.Errorf("decode snapshot %s balances: %w", s.ID, err)
		}
		s.AsOfDate = utcDate(s.AsOfDate)
		s.CreatedAt = s.CreatedAt.UTC()

		return &s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshots: %w", err)
	}

	return snaps, nil
}
