package model

import "time"

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	// OutboxStatusReady rows are waiting to be claimed once NextAttemptAt has passed.
	OutboxStatusReady OutboxStatus = "READY"
	// OutboxStatusProcessing rows are leased by exactly one dispatcher worker.
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	// OutboxStatusPublished is terminal: the transport accepted the message.
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	// OutboxStatusFailed is terminal: retries were exhausted.
	OutboxStatusFailed OutboxStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxStatusReady, OutboxStatusProcessing, OutboxStatusPublished, OutboxStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxStatusPublished || s == OutboxStatusFailed
}

// OutboxEvent represents an outbox event for reliable message delivery. ClaimToken identifies
// the lease of a PROCESSING row; settling requires it.
type OutboxEvent struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	EventID       string       `json:"event_id"`
	Topic         string       `json:"topic"`
	Key           string       `json:"key"`
	Payload       []byte       `json:"payload"`
	Status        OutboxStatus `json:"status"`
	RetryCount    int          `json:"retry_count"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	ErrorReason   string       `json:"error_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	ClaimToken    string       `json:"claim_token,omitempty"`
}

// OutboxFilter narrows operator queries over the outbox.
type OutboxFilter struct {
	TenantID string
	Status   OutboxStatus
	Topic    string
	Limit    int
}

// OutboxSummary reports queue depth per status and the oldest row still waiting.
type OutboxSummary struct {
	TenantID        string     `json:"tenant_id"`
	ReadyCount      int        `json:"ready_count"`
	ProcessingCount int        `json:"processing_count"`
	PublishedCount  int        `json:"published_count"`
	FailedCount     int        `json:"failed_count"`
	OldestReadyID   string     `json:"oldest_ready_id,omitempty"`
	OldestReadyAt   *time.Time `json:"oldest_ready_at,omitempty"`
}
