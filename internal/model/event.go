// Package model defines the ledger domain types and errors.
package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DomainEvent is an immutable fact appended to a tenant-scoped stream.
type DomainEvent struct {
	ID             string          `json:"id"`
	Position       int64           `json:"position"`
	TenantID       string          `json:"tenant_id"`
	StreamID       string          `json:"stream_id"`
	EventType      string          `json:"event_type"`
	SequenceNumber int64           `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// NewEvent is a caller-supplied event before it is assigned a sequence number.
type NewEvent struct {
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// AppendParams represents parameters for appending events to a stream.
type AppendParams struct {
	TenantID        string     `json:"tenant_id"`
	StreamID        string     `json:"stream_id"`
	Events          []NewEvent `json:"events"`
	ExpectedVersion int64      `json:"expected_version"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
}

// Validate validates the append parameters.
func (p *AppendParams) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}

	if strings.TrimSpace(p.StreamID) == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidArgument)
	}

	if len(p.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrInvalidArgument)
	}

	if p.ExpectedVersion < 0 {
		return fmt.Errorf("%w: expected version must not be negative", ErrInvalidArgument)
	}

	for i, evt := range p.Events {
		if strings.TrimSpace(evt.EventType) == "" {
			return fmt.Errorf("%w: event %d: event type is required", ErrInvalidArgument, i)
		}

		if len(evt.Payload) > 0 && !json.Valid(evt.Payload) {
			return fmt.Errorf("%w: event %d: payload is not valid JSON", ErrInvalidArgument, i)
		}
	}

	return nil
}

// PayloadHash fingerprints the events of an append for idempotency comparison.
func (p *AppendParams) PayloadHash() string {
	h := sha256.New()

	var n [8]byte
	for _, evt := range p.Events {
		binary.BigEndian.PutUint64(n[:], uint64(len(evt.EventType)))
		h.Write(n[:])
		h.Write([]byte(evt.EventType))
		binary.BigEndian.PutUint64(n[:], uint64(len(evt.Payload)))
		h.Write(n[:])
		h.Write(evt.Payload)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// AppendResult is returned by a successful (or replayed) append.
type AppendResult struct {
	StreamID   string         `json:"stream_id"`
	NewVersion int64          `json:"new_version"`
	Events     []*DomainEvent `json:"events"`
	Replayed   bool           `json:"replayed"`
}

// IdempotencyRecord remembers the outcome of an append made with an idempotency key.
type IdempotencyRecord struct {
	TenantID      string
	StreamID      string
	Key           string
	PayloadHash   string
	FirstSequence int64
	EventCount    int
	ResultVersion int64
	CreatedAt     time.Time
}

// EventEnvelope is the message published downstream for every appended event.
// Consumers dedupe on EventID.
type EventEnvelope struct {
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id"`
	StreamID       string          `json:"stream_id"`
	EventType      string          `json:"event_type"`
	SequenceNumber int64           `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Envelope builds the downstream envelope for the event.
func (e *DomainEvent) Envelope() EventEnvelope {
	return EventEnvelope{
		EventID:        e.ID,
		TenantID:       e.TenantID,
		StreamID:       e.StreamID,
		EventType:      e.EventType,
		SequenceNumber: e.SequenceNumber,
		Payload:        e.Payload,
		CorrelationID:  e.CorrelationID,
		OccurredAt:     e.OccurredAt,
	}
}
