package model

import (
	"fmt"
	"strings"
	"time"
)

// PeriodStatus is the lock state of an accounting period.
type PeriodStatus string

const (
	// PeriodStatusOpen accepts postings.
	PeriodStatusOpen PeriodStatus = "OPEN"
	// PeriodStatusHardClosed is frozen behind a stored snapshot.
	PeriodStatusHardClosed PeriodStatus = "HARD_CLOSED"
)

// Event types appended when a period changes state.
const (
	EventTypePeriodClosed   = "period.closed"
	EventTypePeriodReopened = "period.reopened"
)

// PeriodStreamID is the event stream that records a period's lifecycle.
func PeriodStreamID(periodID string) string {
	return "period-" + periodID
}

// Period is the lifecycle object of an accounting period.
type Period struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	Name             string       `json:"name"`
	StartDate        time.Time    `json:"start_date"`
	EndDate          time.Time    `json:"end_date"`
	Status           PeriodStatus `json:"status"`
	Version          int64        `json:"version"`
	SnapshotID       string       `json:"snapshot_id,omitempty"`
	ClosedBy         string       `json:"closed_by,omitempty"`
	ClosedAt         *time.Time   `json:"closed_at,omitempty"`
	ReopenedBy       string       `json:"reopened_by,omitempty"`
	ReopenApprovedBy string       `json:"reopen_approved_by,omitempty"`
	ReopenReason     string       `json:"reopen_reason,omitempty"`
	ReopenedAt       *time.Time   `json:"reopened_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Contains reports whether date falls inside the period (inclusive).
func (p *Period) Contains(date time.Time) bool {
	d := date.Format(DateLayout)
	return d >= p.StartDate.Format(DateLayout) && d <= p.EndDate.Format(DateLayout)
}

// OpenPeriodParams represents parameters for registering a period.
type OpenPeriodParams struct {
	TenantID  string    `json:"tenant_id"`
	PeriodID  string    `json:"period_id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Validate validates the open period parameters.
func (p *OpenPeriodParams) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.PeriodID) == "" {
		return fmt.Errorf("%w: tenant id and period id are required", ErrInvalidArgument)
	}

	if p.StartDate.IsZero() || p.EndDate.IsZero() || p.EndDate.Before(p.StartDate) {
		return fmt.Errorf("%w: period end date must not precede start date", ErrInvalidArgument)
	}

	return nil
}

// CloseOptions tune closePeriod.
type CloseOptions struct {
	ForceClose     bool `json:"force_close"`
	SkipValidation bool `json:"skip_validation"`
}

// ReopenParams represents parameters for reopening a closed period.
type ReopenParams struct {
	TenantID   string `json:"tenant_id"`
	PeriodID   string `json:"period_id"`
	ReopenedBy string `json:"reopened_by"`
	Reason     string `json:"reason"`
	ApproverID string `json:"approver_id"`
}

// Validate validates the reopen parameters, including separation of duties.
func (p *ReopenParams) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.PeriodID) == "" {
		return fmt.Errorf("%w: tenant id and period id are required", ErrInvalidArgument)
	}

	if strings.TrimSpace(p.ReopenedBy) == "" || strings.TrimSpace(p.ApproverID) == "" {
		return fmt.Errorf("%w: reopened by and approver are required", ErrInvalidArgument)
	}

	if strings.TrimSpace(p.Reason) == "" {
		return fmt.Errorf("%w: reopen reason is required", ErrInvalidArgument)
	}

	if strings.EqualFold(strings.TrimSpace(p.ReopenedBy), strings.TrimSpace(p.ApproverID)) {
		return ErrSeparationOfDuties
	}

	return nil
}

// PeriodSnapshot is the immutable, tamper-evident record of a closed period's balances.
// Balances are kept in canonical (account code, currency) order.
type PeriodSnapshot struct {
	ID             string           `json:"id"`
	PeriodID       string           `json:"period_id"`
	TenantID       string           `json:"tenant_id"`
	AsOfDate       time.Time        `json:"as_of_date"`
	Balances       []AccountBalance `json:"balances"`
	MerkleRoot     string           `json:"merkle_root"`
	Checksum       string           `json:"checksum"`
	Signature      string           `json:"signature,omitempty"`
	SignatureKeyID string           `json:"signature_key_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CreatedBy      string           `json:"created_by"`
}

// CloseResult is returned by a successful close.
type CloseResult struct {
	Period   *Period         `json:"period"`
	Snapshot *PeriodSnapshot `json:"snapshot"`
}

// Audit actions recorded for period lifecycle changes.
const (
	AuditActionPeriodClosed        = "period.closed"
	AuditActionPeriodCloseRejected = "period.close_rejected"
	AuditActionPeriodReopened      = "period.reopened"
)

// AuditRecord is an append-only structured audit entry.
type AuditRecord struct {
	ID            int64          `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Action        string         `json:"action"`
	ActorID       string         `json:"actor_id"`
	SubjectID     string         `json:"subject_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	RecordedAt    time.Time      `json:"recorded_at"`
}
