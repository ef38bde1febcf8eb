package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ledger-core/internal/model"
)

// BalanceRepositoryImpl implements BalanceRepository using PostgreSQL.
type BalanceRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewBalanceRepositoryImpl creates a new BalanceRepository implementation.
func NewBalanceRepositoryImpl(pool *pgxpool.Pool) BalanceRepository {
	return &BalanceRepositoryImpl{pool: pool}
}

// ApplyMovements upserts each movement into its daily bucket.
func (r *BalanceRepositoryImpl) ApplyMovements(ctx context.Context, movements []model.BalanceMovement) error {
	q := conn(ctx, r.pool)
	for _, m := range movements {
		_, err := q.Exec(ctx, `
			INSERT INTO account_balance_movements
				(tenant_id, account_code, account_name, currency_code, posting_date, amount_minor, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, account_code, currency_code, posting_date) DO UPDATE SET
				amount_minor = account_balance_movements.amount_minor + excluded.amount_minor,
				account_name = CASE WHEN excluded.account_name <> '' THEN excluded.account_name
					ELSE account_balance_movements.account_name END,
				last_updated = excluded.last_updated`,
			m.TenantID, m.AccountCode, m.AccountName, m.CurrencyCode, utcDate(m.PostingDate), m.AmountMinor, m.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("failed to apply balance movement: %w", err)
		}
	}

	return nil
}

// ListAsOf sums the tenant's movements up to and including asOf.
func (r *BalanceRepositoryImpl) ListAsOf(ctx context.Context, tenantID string, asOf time.Time) ([]model.AccountBalance, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT account_code, MAX(account_name), currency_code, SUM(amount_minor)::bigint, MAX(last_updated)
		FROM account_balance_movements
		WHERE tenant_id = $1 AND posting_date <= $2
		GROUP BY account_code, currency_code
		ORDER BY account_code, currency_code`, tenantID, utcDate(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}

	asOfDate := utcDate(asOf)
	balances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AccountBalance, error) {
		b := model.AccountBalance{TenantID: tenantID, AsOfDate: asOfDate}
		if err := row.Scan(&b.AccountCode, &b.AccountName, &b.CurrencyCode, &b.BalanceMinorUnits, &b.LastUpdated); err != nil {
			return b, err
		}
		b.LastUpdated = b.LastUpdated.UTC()

		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan balances: %w", err)
	}

	return balances, nil
}

// ListMovements returns every movement bucket of the tenant in canonical order.
func (r *BalanceRepositoryImpl) ListMovements(ctx context.Context, tenantID string) ([]model.BalanceMovement, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT account_code, account_name, currency_code, posting_date, amount_minor, last_updated
		FROM account_balance_movements
		WHERE tenant_id = $1
		ORDER BY account_code, currency_code, posting_date`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}

	movements, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.BalanceMovement, error) {
		m := model.BalanceMovement{TenantID: tenantID}
		if err := row.Scan(&m.AccountCode, &m.AccountName, &m.CurrencyCode, &m.PostingDate, &m.AmountMinor, &m.LastUpdated); err != nil {
			return m, err
		}
		m.PostingDate = utcDate(m.PostingDate)
		m.LastUpdated = m.LastUpdated.UTC()

		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan movements: %w", err)
	}

	return movements, nil
}

// DeleteTenant drops the tenant's materialized state ahead of a rebuild.
func (r *BalanceRepositoryImpl) DeleteTenant(ctx context.Context, tenantID string) error {
	if _, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM account_balance_movements WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to delete balances: %w", err)
	}

	return nil
}
