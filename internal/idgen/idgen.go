// Package idgen generates identifiers for events, outbox rows and snapshots.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator returns a new unique identifier.
type Generator interface {
	NewID() string
}

// UUIDv7 generates time-ordered UUIDs.
type UUIDv7 struct{}

// NewID returns a UUIDv7, falling back to a random UUID if the clock source fails.
func (UUIDv7) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// Sequence yields prefix-1, prefix-2, ... and is meant for tests.
type Sequence struct {
	Prefix string
	n      atomic.Int64
}

// NewID returns the next identifier in the sequence.
func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}
