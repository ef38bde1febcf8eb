package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/ledger-core/internal/clock"
	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/lock"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/repository"
	"github.com/jnst/ledger-core/internal/telemetry"
)

// EventStoreImpl implements EventStore on top of the repositories.
type EventStoreImpl struct {
	eventRepo       repository.EventRepository
	idempotencyRepo repository.IdempotencyRepository
	outboxRepo      repository.OutboxRepository
	periodRepo      repository.PeriodRepository
	transactionMgr  repository.TransactionManager
	locker          lock.Locker
	clock           clock.Clock
	ids             idgen.Generator
	logger          *slog.Logger
}

// NewEventStoreImpl creates a new EventStore implementation. Journal postings take the lock of
// every period they post into, the same lock period close holds.
func NewEventStoreImpl(
	repos *repository.Repositories,
	locker lock.Locker,
	clk clock.Clock,
	ids idgen.Generator,
	log *slog.Logger,
) EventStore {
	return &EventStoreImpl{
		eventRepo:       repos.Events,
		idempotencyRepo: repos.Idempotency,
		outboxRepo:      repos.Outbox,
		periodRepo:      repos.Periods,
		transactionMgr:  repos.Tx,
		locker:          locker,
		clock:           clk,
		ids:             ids,
		logger:          log,
	}
}

// Append appends events and their outbox rows atomically.
func (s *EventStoreImpl) Append(ctx context.Context, params *model.AppendParams) (*model.AppendResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	journals, err := decodeJournals(params.Events)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "EventStore.Append", trace.WithAttributes(
		attribute.String("tenant_id", params.TenantID),
		attribute.String("stream_id", params.StreamID),
		attribute.Int("event_count", len(params.Events)),
	))
	defer span.End()

	var hash string
	if params.IdempotencyKey != "" {
		hash = params.PayloadHash()
	}

	ctx, release, err := s.lockPostingPeriods(ctx, params.TenantID, journals)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("failed to release period locks", slog.String("error", err.Error()))
		}
	}()

	var result *model.AppendResult

	err = s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		if params.IdempotencyKey != "" {
			replayed, err := s.replay(ctx, params, hash)
			if err != nil {
				return err
			}
			if replayed != nil {
				result = replayed
				return nil
			}
		}

		version, err := s.eventRepo.StreamVersion(ctx, params.TenantID, params.StreamID)
		if err != nil {
			return err
		}
		if version != params.ExpectedVersion {
			return &model.ConcurrencyError{
				TenantID:        params.TenantID,
				StreamID:        params.StreamID,
				ExpectedVersion: params.ExpectedVersion,
				ActualVersion:   version,
			}
		}

		if err := s.rejectClosedPeriods(ctx, params.TenantID, journals); err != nil {
			return err
		}

		events := s.newEvents(ctx, params, version)
		if err := s.eventRepo.Insert(ctx, events); err != nil {
			return err
		}

		if err := s.createOutboxEvents(ctx, events); err != nil {
			return err
		}

		if params.IdempotencyKey != "" {
			err := s.idempotencyRepo.Save(ctx, &model.IdempotencyRecord{
				TenantID:      params.TenantID,
				StreamID:      params.StreamID,
				Key:           params.IdempotencyKey,
				PayloadHash:   hash,
				FirstSequence: version,
				EventCount:    len(events),
				ResultVersion: version + int64(len(events)),
				CreatedAt:     s.clock.Now(),
			})
			if err != nil {
				return fmt.Errorf("failed to save idempotency record: %w", err)
			}
		}

		result = &model.AppendResult{
			StreamID:   params.StreamID,
			NewVersion: version + int64(len(events)),
			Events:     events,
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	logger.FromContext(ctx, s.logger).Info("events appended",
		slog.String("tenant_id", params.TenantID),
		slog.String("stream_id", params.StreamID),
		slog.Int64("new_version", result.NewVersion),
		slog.Bool("replayed", result.Replayed),
	)

	return result, nil
}

// GetEvents reads one stream in sequence order starting at sequence number fromVersion.
func (s *EventStoreImpl) GetEvents(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]*model.DomainEvent, error) {
	if tenantID == "" || streamID == "" {
		return nil, fmt.Errorf("%w: tenant id and stream id are required", model.ErrInvalidArgument)
	}
	if fromVersion < 0 {
		fromVersion = 0
	}

	return s.eventRepo.ListByStream(ctx, tenantID, streamID, fromVersion)
}

// GetEventsFromTimestamp reads every stream of the tenant in occurrence order.
func (s *EventStoreImpl) GetEventsFromTimestamp(ctx context.Context, tenantID string, from time.Time) ([]*model.DomainEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", model.ErrInvalidArgument)
	}

	return s.eventRepo.ListFromTimestamp(ctx, tenantID, from)
}

func (s *EventStoreImpl) replay(ctx context.Context, params *model.AppendParams, hash string) (*model.AppendResult, error) {
	rec, err := s.idempotencyRepo.Get(ctx, params.TenantID, params.StreamID, params.IdempotencyKey)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	if rec.PayloadHash != hash {
		return nil, &model.IdempotencyConflictError{StreamID: params.StreamID, Key: params.IdempotencyKey}
	}

	events, err := s.eventRepo.ListByStream(ctx, params.TenantID, params.StreamID, rec.FirstSequence)
	if err != nil {
		return nil, err
	}
	if len(events) > rec.EventCount {
		events = events[:rec.EventCount]
	}

	return &model.AppendResult{
		StreamID:   params.StreamID,
		NewVersion: rec.ResultVersion,
		Events:     events,
		Replayed:   true,
	}, nil
}

// lockPostingPeriods locks the periods the journals post into. Dates outside any registered
// period need no lock.
func (s *EventStoreImpl) lockPostingPeriods(
	ctx context.Context, tenantID string, journals []*model.JournalEntryPosted,
) (context.Context, func(context.Context) error, error) {
	var keys []string
	seen := make(map[string]bool)
	for _, j := range journals {
		if j == nil || seen[j.PostingDate] {
			continue
		}
		seen[j.PostingDate] = true

		date, err := j.ParsePostingDate()
		if err != nil {
			return ctx, nil, err
		}

		period, err := s.periodRepo.FindByDate(ctx, tenantID, date)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return ctx, nil, err
		}
		keys = append(keys, lock.PeriodKey(tenantID, period.ID))
	}

	if len(keys) == 0 || s.locker == nil {
		return ctx, func(context.Context) error { return nil }, nil
	}

	return lock.AcquireAll(ctx, s.locker, keys)
}

func (s *EventStoreImpl) rejectClosedPeriods(ctx context.Context, tenantID string, journals []*model.JournalEntryPosted) error {
	checked := make(map[string]bool)
	for _, j := range journals {
		if j == nil || checked[j.PostingDate] {
			continue
		}
		checked[j.PostingDate] = true

		date, err := j.ParsePostingDate()
		if err != nil {
			return err
		}

		period, err := s.periodRepo.FindByDate(ctx, tenantID, date)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if period.Status == model.PeriodStatusHardClosed {
			return fmt.Errorf("%w: %s falls in period %s", model.ErrPeriodClosed, j.PostingDate, period.ID)
		}
	}

	return nil
}

func (s *EventStoreImpl) newEvents(ctx context.Context, params *model.AppendParams, version int64) []*model.DomainEvent {
	now := s.clock.Now()
	correlationID := logger.CorrelationID(ctx)

	events := make([]*model.DomainEvent, 0, len(params.Events))
	for i, evt := range params.Events {
		occurredAt := evt.OccurredAt.UTC()
		if evt.OccurredAt.IsZero() {
			occurredAt = now
		}

		payload := evt.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}

		events = append(events, &model.DomainEvent{
			ID:             s.ids.NewID(),
			TenantID:       params.TenantID,
			StreamID:       params.StreamID,
			EventType:      evt.EventType,
			SequenceNumber: version + int64(i),
			Payload:        payload,
			CorrelationID:  correlationID,
			OccurredAt:     occurredAt,
			RecordedAt:     now,
		})
	}

	return events
}

func (s *EventStoreImpl) createOutboxEvents(ctx context.Context, events []*model.DomainEvent) error {
	now := s.clock.Now()

	rows := make([]*model.OutboxEvent, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e.Envelope())
		if err != nil {
			return fmt.Errorf("failed to marshal event envelope: %w", err)
		}

		rows = append(rows, &model.OutboxEvent{
			ID:            s.ids.NewID(),
			TenantID:      e.TenantID,
			EventID:       e.ID,
			Topic:         e.EventType,
			Key:           e.StreamID,
			Payload:       payload,
			Status:        model.OutboxStatusReady,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := s.outboxRepo.CreateEvents(ctx, rows); err != nil {
		return fmt.Errorf("failed to create outbox events: %w", err)
	}

	return nil
}

// decodeJournals parses and validates journal.entry.posted payloads. Other event types yield nil entries.
func decodeJournals(events []model.NewEvent) ([]*model.JournalEntryPosted, error) {
	out := make([]*model.JournalEntryPosted, len(events))
	for i, evt := range events {
		if evt.EventType != model.EventTypeJournalEntryPosted {
			continue
		}

		j, err := decodeJournal(evt.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if err := j.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out[i] = j
	}

	return out, nil
}

func decodeJournal(payload []byte) (*model.JournalEntryPosted, error) {
	var j model.JournalEntryPosted
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("%w: journal payload: %v", model.ErrInvalidArgument, err)
	}

	return &j, nil
}
