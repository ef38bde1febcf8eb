package model

import "time"

// TrialBalanceProjection is the name of the balance projection tracked in projection health.
const TrialBalanceProjection = "trial_balance"

// SourceProjection tags reads served from the materialized view.
const SourceProjection = "projection"

// ProjectionHealth is the watermark and checksum of one (tenant, projection) pair,
// overwritten on every materialization cycle.
type ProjectionHealth struct {
	TenantID       string     `json:"tenant_id"`
	Projection     string     `json:"projection"`
	LastEventID    int64      `json:"last_event_id"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	Checksum       string     `json:"checksum"`
	AsOfDate       time.Time  `json:"as_of_date"`
	MaterializedAt time.Time  `json:"materialized_at"`
	LagSeconds     float64    `json:"lag_seconds"`
}

// TrialBalance is the fast-read view with its provenance.
type TrialBalance struct {
	TenantID          string                    `json:"tenant_id"`
	AsOfDate          time.Time                 `json:"as_of_date"`
	Source            string                    `json:"source"`
	LastEventID       int64                     `json:"last_event_id"`
	MaterializedAt    *time.Time                `json:"materialized_at,omitempty"`
	ReportingCurrency string                    `json:"reporting_currency,omitempty"`
	RateReliability   string                    `json:"rate_reliability,omitempty"`
	Balances          []AccountBalance          `json:"balances"`
	Totals            map[string]CurrencyTotals `json:"totals"`
}

// CurrencyTotals sums debit (positive) and credit (negative) balances for one currency.
type CurrencyTotals struct {
	DebitMinor  int64 `json:"debit_minor"`
	CreditMinor int64 `json:"credit_minor"`
	NetMinor    int64 `json:"net_minor"`
}

// ComputeTotals fills Totals from Balances.
func (tb *TrialBalance) ComputeTotals() {
	tb.Totals = make(map[string]CurrencyTotals)
	for _, b := range tb.Balances {
		t := tb.Totals[b.CurrencyCode]
		if b.BalanceMinorUnits >= 0 {
			t.DebitMinor += b.BalanceMinorUnits
		} else {
			t.CreditMinor -= b.BalanceMinorUnits
		}
		t.NetMinor += b.BalanceMinorUnits
		tb.Totals[b.CurrencyCode] = t
	}
}

// AccountDrift is the per-account difference found by a parity check.
type AccountDrift struct {
	AccountCode       string `json:"account_code"`
	CurrencyCode      string `json:"currency_code"`
	ReplayedMinor     int64  `json:"replayed_minor"`
	MaterializedMinor int64  `json:"materialized_minor"`
}

// ParityResult compares a raw replay of events with the materialized balances.
type ParityResult struct {
	TenantID          string         `json:"tenant_id"`
	AsOfDate          time.Time      `json:"as_of_date"`
	Matches           bool           `json:"matches"`
	Delta             int64          `json:"delta"`
	ReplayedEvents    int            `json:"replayed_events"`
	ReplayedTotal     int64          `json:"replayed_total"`
	MaterializedTotal int64          `json:"materialized_total"`
	Drift             []AccountDrift `json:"drift,omitempty"`
}

// HealthStatus summarizes projection freshness.
type HealthStatus string

const (
	// HealthStatusHealthy means the projection lag is within the threshold.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusStale means the projection lag exceeded the threshold.
	HealthStatusStale HealthStatus = "stale"
)

// HealthReport is returned by the projection health monitor. Staleness is judged on LagSeconds,
// measured from the oldest event not yet materialized. SinceLatestEventSeconds is the age of the
// newest event in the log whether or not it has been materialized.
type HealthReport struct {
	TenantID                string       `json:"tenant_id"`
	Projection              string       `json:"projection"`
	Status                  HealthStatus `json:"status"`
	LagSeconds              float64      `json:"lag_seconds"`
	LastEventID             int64        `json:"last_event_id"`
	LatestEventID           int64        `json:"latest_event_id"`
	LatestEventAt           *time.Time   `json:"latest_event_at,omitempty"`
	SinceLatestEventSeconds float64      `json:"since_latest_event_seconds"`
	Checksum                string       `json:"checksum"`
	ChecksumMismatch        bool         `json:"checksum_mismatch"`
	MaterializedAt          *time.Time   `json:"materialized_at,omitempty"`
	CheckedAt               time.Time    `json:"checked_at"`
}
