package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jnst/ledger-core/internal/model"
)

type balanceRepository struct {
	db *sql.DB
}

func (r *balanceRepository) ApplyMovements(ctx context.Context, movements []model.BalanceMovement) error {
	q := conn(ctx, r.db)
	for _, m := range movements {
		_, err := q.ExecContext(ctx, `
			INSERT INTO account_balance_movements
				(tenant_id, account_code, account_name, currency_code, posting_date, amount_minor, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, account_code, currency_code, posting_date) DO UPDATE SET
				amount_minor = account_balance_movements.amount_minor + excluded.amount_minor,
				account_name = CASE WHEN excluded.account_name <> '' THEN excluded.account_name
					ELSE account_balance_movements.account_name END,
				last_updated = excluded.last_updated`,
			m.TenantID, m.AccountCode, m.AccountName, m.CurrencyCode, toDate(m.PostingDate), m.AmountMinor,
			toMillis(m.LastUpdated),
		)
		if err != nil {
			return fmt.Errorf("apply balance movement: %w", err)
		}
	}

	return nil
}

func (r *balanceRepository) ListAsOf(ctx context.Context, tenantID string, asOf time.Time) ([]model.AccountBalance, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `
		SELECT account_code, MAX(account_name), currency_code, SUM(amount_minor), MAX(last_updated)
		FROM account_balance_movements
		WHERE tenant_id = ? AND posting_date <= ?
		GROUP BY account_code, currency_code
		ORDER BY account_code, currency_code`, tenantID, toDate(asOf))
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	asOfDate, err := fromDate(toDate(asOf))
	if err != nil {
		return nil, err
	}

	var balances []model.AccountBalance
	for rows.Next() {
		var lastUpdated int64
		b := model.AccountBalance{TenantID: tenantID, AsOfDate: asOfDate}
		if err := rows.Scan(&b.AccountCode, &b.AccountName, &b.CurrencyCode, &b.BalanceMinorUnits, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		b.LastUpdated = fromMillis(lastUpdated)
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}

	return balances, nil
}

func (r *balanceRepository) ListMovements(ctx context.Context, tenantID string) ([]model.BalanceMovement, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `
		SELECT account_code, account_name, currency_code, posting_date, amount_minor, last_updated
		FROM account_balance_movements
		WHERE tenant_id = ?
		ORDER BY account_code, currency_code, posting_date`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	var movements []model.BalanceMovement
	for rows.Next() {
		var (
			postingDate string
			lastUpdated int64
		)
		m := model.BalanceMovement{TenantID: tenantID}
		if err := rows.Scan(&m.AccountCode, &m.AccountName, &m.CurrencyCode, &postingDate, &m.AmountMinor, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		if m.PostingDate, err = fromDate(postingDate); err != nil {
			return nil, err
		}
		m.LastUpdated = fromMillis(lastUpdated)
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate movements: %w", err)
	}

	return movements, nil
}

func (r *balanceRepository) DeleteTenant(ctx context.Context, tenantID string) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM account_balance_movements WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("delete balances: %w", err)
	}

	return nil
}

type healthRepository struct {
	db *sql.DB
}

func (r *healthRepository) Get(ctx context.Context, tenantID, projection string) (*model.ProjectionHealth, error) {
	var (
		lastEventAt    sql.NullInt64
		asOfDate       string
		materializedAt int64
	)
	h := model.ProjectionHealth{TenantID: tenantID, Projection: projection}
	err := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT last_event_id, last_event_at, checksum, as_of_date, materialized_at, lag_seconds
		FROM projection_health WHERE tenant_id = ? AND projection = ?`, tenantID, projection,
	).Scan(&h.LastEventID, &lastEventAt, &h.Checksum, &asOfDate, &materializedAt, &h.LagSeconds)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read projection health: %w", err)
	}

	if h.AsOfDate, err = fromDate(asOfDate); err != nil {
		return nil, err
	}
	h.LastEventAt = fromNullMillis(lastEventAt)
	h.MaterializedAt = fromMillis(materializedAt)

	return &h, nil
}

// Save upserts the watermark only while the stored one still equals expectedLastEventID.
// Lock is a no-op: transactions begin IMMEDIATE on a single connection, so they already run
// one at a time.
func (r *healthRepository) Lock(context.Context, string, string) error {
	return nil
}

func (r *healthRepository) Save(ctx context.Context, h *model.ProjectionHealth, expectedLastEventID int64) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO projection_health
			(tenant_id, projection, last_event_id, last_event_at, checksum, as_of_date, materialized_at, lag_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, projection) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			last_event_at = excluded.last_event_at,
			checksum = excluded.checksum,
			as_of_date = excluded.as_of_date,
			materialized_at = excluded.materialized_at,
			lag_seconds = excluded.lag_seconds
		WHERE projection_health.last_event_id = ?`,
		h.TenantID, h.Projection, h.LastEventID, toNullMillis(h.LastEventAt), h.Checksum, toDate(h.AsOfDate),
		toMillis(h.MaterializedAt), h.LagSeconds, expectedLastEventID,
	)
	if err != nil {
		return fmt.Errorf("save projection health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: projection %s for tenant %s moved past %d",
			model.ErrStaleWrite, h.Projection, h.TenantID, expectedLastEventID)
	}

	return nil
}

func (r *healthRepository) Delete(ctx context.Context, tenantID, projection string) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM projection_health WHERE tenant_id = ? AND projection = ?`, tenantID, projection); err != nil {
		return fmt.Errorf("delete projection health: %w", err)
	}

	return nil
}
