package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jnst/ledger-core/internal/model"
)

const periodColumns = `period_id, tenant_id, name, start_date, end_date, status, version, snapshot_id,
	closed_by, closed_at, reopened_by, reopen_approved_by, reopen_reason, reopened_at, created_at, updated_at`

const snapshotColumns = `snapshot_id, tenant_id, period_id, as_of_date, balances, merkle_root, checksum,
	signature, signature_key_id, created_at, created_by`

type periodRepository struct {
	db *sql.DB
}

func (r *periodRepository) Create(ctx context.Context, p *model.Period) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO accounting_periods (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Name, toDate(p.StartDate), toDate(p.EndDate), string(p.Status), p.Version, p.SnapshotID,
		p.ClosedBy, toNullMillis(p.ClosedAt), p.ReopenedBy, p.ReopenApprovedBy, p.ReopenReason,
		toNullMillis(p.ReopenedAt), toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if isConstraintError(err) {
		return model.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create period: %w", err)
	}

	return nil
}

func (r *periodRepository) FindByID(ctx context.Context, tenantID, periodID string) (*model.Period, error) {
	return r.findOne(ctx, `SELECT `+periodColumns+` FROM accounting_periods
		WHERE tenant_id = ? AND period_id = ?`, tenantID, periodID)
}

func (r *periodRepository) FindByTenant(ctx context.Context, tenantID string) ([]*model.Period, error) {
	return r.query(ctx, `SELECT `+periodColumns+` FROM accounting_periods
		WHERE tenant_id = ? ORDER BY start_date, period_id`, tenantID)
}

func (r *periodRepository) FindByDate(ctx context.Context, tenantID string, date time.Time) (*model.Period, error) {
	d := toDate(date)
	return r.findOne(ctx, `SELECT `+periodColumns+` FROM accounting_periods
		WHERE tenant_id = ? AND start_date <= ? AND end_date >= ?
		ORDER BY start_date DESC LIMIT 1`, tenantID, d, d)
}

func (r *periodRepository) Update(ctx context.Context, p *model.Period, expectedVersion int64) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE accounting_periods SET
			name = ?, status = ?, version = ?, snapshot_id = ?, closed_by = ?, closed_at = ?,
			reopened_by = ?, reopen_approved_by = ?, reopen_reason = ?, reopened_at = ?, updated_at = ?
		WHERE tenant_id = ? AND period_id = ? AND version = ?`,
		p.Name, string(p.Status), p.Version, p.SnapshotID, p.ClosedBy, toNullMillis(p.ClosedAt),
		p.ReopenedBy, p.ReopenApprovedBy, p.ReopenReason, toNullMillis(p.ReopenedAt), toMillis(p.UpdatedAt),
		p.TenantID, p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update period: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: period %s changed concurrently", model.ErrStaleWrite, p.ID)
	}

	return nil
}

func (r *periodRepository) findOne(ctx context.Context, query string, args ...any) (*model.Period, error) {
	periods, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, model.ErrNotFound
	}

	return periods[0], nil
}

func (r *periodRepository) query(ctx context.Context, query string, args ...any) ([]*model.Period, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query periods: %w", err)
	}
	defer rows.Close()

	var periods []*model.Period
	for rows.Next() {
		var (
			p                    model.Period
			status, start, end   string
			closedAt, reopenedAt sql.NullInt64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &start, &end, &status, &p.Version, &p.SnapshotID,
			&p.ClosedBy, &closedAt, &p.ReopenedBy, &p.ReopenApprovedBy, &p.ReopenReason, &reopenedAt,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		if p.StartDate, err = fromDate(start); err != nil {
			return nil, err
		}
		if p.EndDate, err = fromDate(end); err != nil {
			return nil, err
		}
		p.Status = model.PeriodStatus(status)
		p.ClosedAt = fromNullMillis(closedAt)
		p.ReopenedAt = fromNullMillis(reopenedAt)
		p.CreatedAt = fromMillis(createdAt)
		p.UpdatedAt = fromMillis(updatedAt)
		periods = append(periods, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate periods: %w", err)
	}

	return periods, nil
}

type snapshotRepository struct {
	db *sql.DB
}

func (r *snapshotRepository) Save(ctx context.Context, s *model.PeriodSnapshot) error {
	balances, err := json.Marshal(s.Balances)
	if err != nil {
		return fmt.Errorf("encode snapshot balances: %w", err)
	}

	_, err = conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO period_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.PeriodID, toDate(s.AsOfDate), string(balances), s.MerkleRoot, s.Checksum,
		s.Signature, s.SignatureKeyID, toMillis(s.CreatedAt), s.CreatedBy,
	)
	if isConstraintError(err) {
		return model.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	return nil
}

func (r *snapshotRepository) FindByID(ctx context.Context, tenantID, snapshotID string) (*model.PeriodSnapshot, error) {
	return r.findOne(ctx, `SELECT `+snapshotColumns+` FROM period_snapshots
		WHERE tenant_id = ? AND snapshot_id = ?`, tenantID, snapshotID)
}

func (r *snapshotRepository) FindLatestByPeriod(ctx context.Context, tenantID, periodID string) (*model.PeriodSnapshot, error) {
	return r.findOne(ctx, `SELECT `+snapshotColumns+` FROM period_snapshots
		WHERE tenant_id = ? AND period_id = ?
		ORDER BY created_at DESC, snapshot_id DESC LIMIT 1`, tenantID, periodID)
}

func (r *snapshotRepository) FindByTenant(ctx context.Context, tenantID string) ([]*model.PeriodSnapshot, error) {
	return r.query(ctx, `SELECT `+snapshotColumns+` FROM period_snapshots
		WHERE tenant_id = ? ORDER BY created_at, snapshot_id`, tenantID)
}

func (r *snapshotRepository) findOne(ctx context.Context, query string, args ...any) (*model.PeriodSnapshot, error) {
	snaps, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, model.ErrNotFound
	}

	return snaps[0], nil
}

func (r *snapshotRepository) query(ctx context.Context, query string, args ...any) ([]*model.PeriodSnapshot, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*model.PeriodSnapshot
	for rows.Next() {
		var (
			s                  model.PeriodSnapshot
			asOfDate, balances string
			createdAt          int64
		)
		if err := rows.Scan(&s.ID, &s.TenantID, &s.PeriodID, &asOfDate, &balances, &s.MerkleRoot, &s.Checksum,
			&s.Signature, &s.SignatureKeyID, &createdAt, &s.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if s.AsOfDate, err = fromDate(asOfDate); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(balances), &s.Balances); err != nil {
			return nil, fmt.Errorf("decode snapshot balances: %w", err)
		}
		s.CreatedAt = fromMillis(createdAt)
		snaps = append(snaps, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	return snaps, nil
}

type auditRepository struct {
	db *sql.DB
}

func (r *auditRepository) Append(ctx context.Context, rec *model.AuditRecord) error {
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}

	res, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO audit_log (tenant_id, action, actor_id, subject_id, correlation_id, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.Action, rec.ActorID, rec.SubjectID, rec.CorrelationID, string(encoded), toMillis(rec.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("read audit record id: %w", err)
	}

	return nil
}

func (r *auditRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*model.AuditRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := conn(ctx, r.db).QueryContext(ctx, `
		SELECT id, tenant_id, action, actor_id, subject_id, correlation_id, details, recorded_at
		FROM audit_log WHERE tenant_id = ?
		ORDER BY recorded_at DESC, id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []*model.AuditRecord
	for rows.Next() {
		var (
			rec        model.AuditRecord
			details    string
			recordedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Action, &rec.ActorID, &rec.SubjectID,
			&rec.CorrelationID, &details, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		rec.RecordedAt = fromMillis(recordedAt)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}

	return records, nil
}
