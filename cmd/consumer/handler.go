package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/model"
)

const (
	redisBlockTimeout = 1000 // milliseconds
	readCount         = 10
)

// Deduper reports whether an event id is seen for the first time. Forget releases an id whose
// handling failed so the redelivery is processed.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type redisDeduper struct {
	client rueidis.Client
	prefix string
	ttl    time.Duration
}

func newRedisDeduper(client rueidis.Client, streamPrefix, group string, ttl time.Duration) *redisDeduper {
	return &redisDeduper{client: client, prefix: streamPrefix + ":consumed:" + group + ":", ttl: ttl}
}

// FirstSeen uses SET NX EX so only the first delivery of an event id wins.
func (d *redisDeduper) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	cmd := d.client.B().Set().Key(d.prefix + eventID).Value("1").Nx().ExSeconds(int64(d.ttl/time.Second)).Build()

	err := d.client.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (d *redisDeduper) Forget(ctx context.Context, eventID string) error {
	return d.client.Do(ctx, d.client.B().Del().Key(d.prefix+eventID).Build()).Error()
}

// MessageHandler processes ledger events from Redis Streams.
type MessageHandler struct {
	redisClient  rueidis.Client
	dedupe       Deduper
	groupName    string
	consumerName string
	logger       *slog.Logger
}

// NewMessageHandler creates a new message handler instance.
func NewMessageHandler(redisClient rueidis.Client, dedupe Deduper, groupName, consumerName string, log *slog.Logger) *MessageHandler {
	return &MessageHandler{
		redisClient:  redisClient,
		dedupe:       dedupe,
		groupName:    groupName,
		consumerName: consumerName,
		logger:       log,
	}
}

// HandleEnvelope dispatches one decoded event. Unknown event types are ignored.
func (h *MessageHandler) HandleEnvelope(ctx context.Context, env *model.EventEnvelope) error {
	first, err := h.dedupe.FirstSeen(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedupe %s: %w", env.EventID, err)
	}

	log := logger.FromContext(ctx, h.logger).With(
		slog.String("event_id", env.EventID),
		slog.String("tenant_id", env.TenantID),
		slog.String("event_type", env.EventType),
	)
	if !first {
		log.Debug("duplicate delivery skipped")
		return nil
	}

	if err := h.handle(env, log); err != nil {
		if ferr := h.dedupe.Forget(ctx, env.EventID); ferr != nil {
			log.Warn("failed to release dedupe key", slog.String("error", ferr.Error()))
		}
		return err
	}

	return nil
}

func (*MessageHandler) handle(env *model.EventEnvelope, log *slog.Logger) error {
	switch env.EventType {
	case model.EventTypeJournalEntryPosted:
		var entry model.JournalEntryPosted
		if err := json.Unmarshal(env.Payload, &entry); err != nil {
			return fmt.Errorf("failed to parse journal entry payload: %w", err)
		}

		var debits int64
		for _, l := range entry.Lines {
			debits += l.DebitMinor
		}
		log.Info("journal entry posted",
			slog.String("entry_id", entry.EntryID),
			slog.String("posting_date", entry.PostingDate),
			slog.Int("lines", len(entry.Lines)),
			slog.Int64("debit_minor", debits),
		)
	case model.EventTypePeriodClosed, model.EventTypePeriodReopened:
		var body map[string]any
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return fmt.Errorf("failed to parse %s payload: %w", env.EventType, err)
		}
		log.Info("period state changed", slog.Any("period_id", body["period_id"]), slog.Any("snapshot_id", body["snapshot_id"]))
	default:
		log.Warn("unknown event type")
	}

	return nil
}

func (h *MessageHandler) createConsumerGroup(ctx context.Context, streamKey string) {
	cmd := h.redisClient.B().XgroupCreate().Key(streamKey).Group(h.groupName).Id("0").Mkstream().Build()
	if err := h.redisClient.Do(ctx, cmd).Error(); err != nil {
		h.logger.Info("consumer group creation result (may already exist)",
			slog.String("stream", streamKey),
			slog.String("error", err.Error()),
		)
	}
}

func (h *MessageHandler) readMessages(ctx context.Context, streamKeys []string) (map[string][]rueidis.XRangeEntry, error) {
	ids := make([]string, len(streamKeys))
	for i := range ids {
		ids[i] = ">"
	}

	cmd := h.redisClient.B().Xreadgroup().Group(h.groupName, h.consumerName).
		Count(readCount).
		Block(redisBlockTimeout).
		Streams().
		Key(streamKeys...).
		Id(ids...).
		Build()

	result := h.redisClient.Do(ctx, cmd)
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}

		return nil, err
	}

	return result.AsXRead()
}

func (h *MessageHandler) acknowledgeMessage(ctx context.Context, streamKey, messageID string) {
	cmd := h.redisClient.B().Xack().Key(streamKey).Group(h.groupName).Id(messageID).Build()
	if err := h.redisClient.Do(ctx, cmd).Error(); err != nil {
		h.logger.Error("failed to ACK message",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *MessageHandler) consumeMessages(ctx context.Context, streamKeys []string) error {
	streams, err := h.readMessages(ctx, streamKeys)
	if err != nil {
		return err
	}

	for streamKey, messages := range streams {
		for _, message := range messages {
			if err := h.processMessage(ctx, message.FieldValues); err != nil {
				// Left pending for redelivery.
				h.logger.Error("failed to process message",
					slog.String("stream", streamKey),
					slog.String("message_id", message.ID),
					slog.String("error", err.Error()),
				)

				continue
			}

			h.acknowledgeMessage(ctx, streamKey, message.ID)
		}
	}

	return nil
}

func (h *MessageHandler) processMessage(ctx context.Context, fields map[string]string) error {
	env, err := decodeMessage(fields)
	if err != nil {
		return err
	}

	ctx = logger.WithCorrelationID(ctx, env.CorrelationID)

	return h.HandleEnvelope(ctx, env)
}

// decodeMessage reads the event envelope carried in the payload field.
func decodeMessage(fields map[string]string) (*model.EventEnvelope, error) {
	payload, ok := fields["payload"]
	if !ok {
		return nil, errors.New("missing payload in message")
	}

	var env model.EventEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("failed to parse event envelope: %w", err)
	}

	if env.EventID == "" {
		env.EventID = fields["event_id"]
	}
	if env.EventID == "" {
		return nil, errors.New("missing event_id in message")
	}

	return &env, nil
}
