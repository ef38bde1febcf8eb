// Package transport delivers outbox messages to the downstream broker.
package transport

import (
	"context"
	"sync"
)

// Message is one outbox row ready for delivery.
type Message struct {
	ID        string
	EventID   string
	TenantID  string
	Topic     string
	Key       string
	Payload   []byte
	EventType string
}

// Publisher hands a message to the broker. A nil error means the broker accepted it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Memory collects messages in process. FailNext makes the next n publishes fail.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	failNext int
	failErr  error
}

// NewMemory returns an empty in-process publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records msg unless a failure is pending.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != 0 {
		if m.failNext > 0 {
			m.failNext--
		}
		return m.failErr
	}

	m.messages = append(m.messages, msg)

	return nil
}

// FailNext makes the next n publishes return err. A negative n fails forever.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	m.failNext = n
	m.failErr = err
	m.mu.Unlock()
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Message, len(m.messages))
	copy(out, m.messages)

	return out
}

// Close is a no-op.
func (*Memory) Close() error {
	return nil
}
