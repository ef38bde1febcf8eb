package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested record does not exist for the tenant.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidArgument is returned when a caller supplies malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicate is returned by repositories when a unique key already exists.
	ErrDuplicate = errors.New("duplicate record")
	// ErrPeriodNotOpen is returned when closing a period that is not OPEN.
	ErrPeriodNotOpen = errors.New("period is not open")
	// ErrPeriodNotClosed is returned when reopening a period that is not HARD_CLOSED.
	ErrPeriodNotClosed = errors.New("period is not closed")
	// ErrPeriodClosed is returned when posting into a HARD_CLOSED period.
	ErrPeriodClosed = errors.New("period is closed for postings")
	// ErrSeparationOfDuties is returned when the reopen approver is the requester.
	ErrSeparationOfDuties = errors.New("approver must differ from the user reopening the period")
	// ErrLockNotAcquired is returned when a period lock could not be taken in time.
	ErrLockNotAcquired = errors.New("period lock not acquired")
	// ErrStaleWrite is returned when an optimistic write lost a race.
	ErrStaleWrite = errors.New("stale write")
)

// ConcurrencyError reports an append whose expected version did not match the stream length.
// Callers must re-read the stream and retry.
type ConcurrencyError struct {
	TenantID        string
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyError) Error() string {
	if e.ActualVersion < 0 {
		return fmt.Sprintf("concurrency conflict on stream %s: expected version %d was taken by a concurrent append",
			e.StreamID, e.ExpectedVersion)
	}

	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual %d",
		e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

// IdempotencyConflictError reports a reused idempotency key with a different payload. Not retryable.
type IdempotencyConflictError struct {
	StreamID string
	Key      string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q on stream %s was already used with a different payload", e.Key, e.StreamID)
}

// OutboxPublishError wraps a transient transport failure for one outbox row.
type OutboxPublishError struct {
	OutboxID string
	Topic    string
	Err      error
}

func (e *OutboxPublishError) Error() string {
	return fmt.Sprintf("publish outbox event %s to %s: %v", e.OutboxID, e.Topic, e.Err)
}

func (e *OutboxPublishError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError signals corruption or tampering of integrity-protected data.
type ChecksumMismatchError struct {
	Subject  string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Subject, e.Expected, e.Actual)
}

// Finding is one failed pre-close or integrity check.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Finding codes reported by period close validation.
const (
	FindingPeriodNotOpen        = "period_not_open"
	FindingProjectionBehind     = "projection_behind"
	FindingMerkleRootMismatch   = "merkle_root_mismatch"
	FindingChecksumMismatch     = "checksum_mismatch"
	FindingProjectionTampered   = "projection_checksum_mismatch"
	FindingProjectionParity     = "projection_parity_drift"
	FindingProjectionUnverified = "projection_not_materialized"
	FindingPostedDuringClose    = "posted_during_close"
)

// PeriodCloseValidationError aggregates every failed check so operators can fix them in one pass.
type PeriodCloseValidationError struct {
	TenantID string
	PeriodID string
	Findings []Finding
}

func (e *PeriodCloseValidationError) Error() string {
	codes := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		codes = append(codes, f.Code)
	}

	return fmt.Sprintf("period %s close validation failed: %s", e.PeriodID, strings.Join(codes, ", "))
}

// HasFinding reports whether a finding with the given code was recorded.
func (e *PeriodCloseValidationError) HasFinding(code string) bool {
	for _, f := range e.Findings {
		if f.Code == code {
			return true
		}
	}

	return false
}
