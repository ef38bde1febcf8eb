package transport

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"
)

// RedisStreams publishes each message with XADD to the stream "<prefix>:<topic>".
type RedisStreams struct {
	client rueidis.Client
	prefix string
}

// NewRedisStreams wraps an existing rueidis client. The caller owns the client.
func NewRedisStreams(client rueidis.Client, prefix string) *RedisStreams {
	return &RedisStreams{client: client, prefix: prefix}
}

// StreamKey returns the Redis stream that carries topic.
func StreamKey(prefix, topic string) string {
	if prefix == "" {
		return topic
	}

	return prefix + ":" + topic
}

// Publish appends the message to its topic stream.
func (p *RedisStreams) Publish(ctx context.Context, msg Message) error {
	cmd := p.client.B().Xadd().Key(StreamKey(p.prefix, msg.Topic)).Id("*").
		FieldValue().FieldValue("event_id", msg.EventID).
		FieldValue("event_type", msg.EventType).
		FieldValue("tenant_id", msg.TenantID).
		FieldValue("key", msg.Key).
		FieldValue("payload", string(msg.Payload)).
		Build()

	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("xadd %s: %w", msg.Topic, err)
	}

	return nil
}

// Close leaves the shared client open.
func (*RedisStreams) Close() error {
	return nil
}
