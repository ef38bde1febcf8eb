package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/ledger-core/internal/clock"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/metrics"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/repository"
	"github.com/jnst/ledger-core/internal/retry"
	"github.com/jnst/ledger-core/internal/telemetry"
	"github.com/jnst/ledger-core/internal/transport"
)

const (
	maxErrorReasonLength = 1024
	settleMaxElapsed     = 5 * time.Second
)

// OutboxOptions tune delivery of outbox rows.
type OutboxOptions struct {
	MaxRetries     int
	Backoff        retry.Policy
	PublishTimeout time.Duration
	ClaimLease     time.Duration
}

// OutboxServiceImpl implements OutboxService for processing outbox events.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	publisher  transport.Publisher
	opts       OutboxOptions
	settle     retry.Policy
	clock      clock.Clock
	metrics    metrics.Sink
	logger     *slog.Logger
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	publisher transport.Publisher,
	opts OutboxOptions,
	clk clock.Clock,
	sink metrics.Sink,
	log *slog.Logger,
) OutboxService {
	return &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		opts:       opts,
		settle:     retry.DefaultPolicy(50*time.Millisecond, time.Second),
		clock:      clk,
		metrics:    sink,
		logger:     log,
	}
}

// ProcessReadyEvents recovers expired leases, then claims and publishes due rows.
func (s *OutboxServiceImpl) ProcessReadyEvents(ctx context.Context, limit int) (int, error) {
	log := logger.FromContext(ctx, s.logger)
	now := s.clock.Now()

	if s.opts.ClaimLease > 0 {
		released, err := s.outboxRepo.ReleaseStale(ctx, now.Add(-s.opts.ClaimLease), now)
		if err != nil {
			return 0, err
		}
		if released > 0 {
			s.metrics.Count(ctx, metrics.OutboxRecoveredTotal, released)
			log.Warn("released expired outbox leases", slog.Int64("count", released))
		}
	}

	events, err := s.outboxRepo.ClaimReady(ctx, now, limit, uuid.NewString())
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	for _, event := range events {
		err := s.dispatch(ctx, event)
		if errors.Is(err, model.ErrStaleWrite) {
			log.Warn("outbox lease lost before settling, leaving row to its new owner",
				slog.String("outbox_id", event.ID),
			)
			continue
		}
		if err != nil {
			log.Error("failed to settle outbox event",
				slog.String("outbox_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return len(events), nil
}

// GetEvent returns one outbox row of the tenant.
func (s *OutboxServiceImpl) GetEvent(ctx context.Context, tenantID, id string) (*model.OutboxEvent, error) {
	return s.outboxRepo.GetByID(ctx, tenantID, id)
}

// ListEvents returns outbox rows matching filter.
func (s *OutboxServiceImpl) ListEvents(ctx context.Context, filter model.OutboxFilter) ([]*model.OutboxEvent, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown outbox status %q", model.ErrInvalidArgument, filter.Status)
	}

	return s.outboxRepo.List(ctx, filter)
}

// Summary returns queue depth per status.
func (s *OutboxServiceImpl) Summary(ctx context.Context, tenantID string) (*model.OutboxSummary, error) {
	return s.outboxRepo.Summary(ctx, tenantID)
}

// Requeue gives a FAILED row a fresh retry budget.
func (s *OutboxServiceImpl) Requeue(ctx context.Context, tenantID, id string) error {
	if err := s.outboxRepo.Requeue(ctx, tenantID, id, s.clock.Now()); err != nil {
		return err
	}

	logger.FromContext(ctx, s.logger).Info("outbox event requeued",
		slog.String("tenant_id", tenantID),
		slog.String("outbox_id", id),
	)

	return nil
}

func (s *OutboxServiceImpl) dispatch(ctx context.Context, event *model.OutboxEvent) error {
	ctx, span := telemetry.Tracer().Start(ctx, "Outbox.Dispatch", trace.WithAttributes(
		attribute.String("outbox_id", event.ID),
		attribute.String("topic", event.Topic),
	))
	defer span.End()

	log := logger.FromContext(ctx, s.logger).With(
		slog.String("outbox_id", event.ID),
		slog.String("event_id", event.EventID),
		slog.String("topic", event.Topic),
	)

	err := s.publish(ctx, event)
	now := s.clock.Now()
	attrs := attribute.String("topic", event.Topic)

	if err == nil {
		if err := s.settleWith(ctx, func() error {
			return s.outboxRepo.MarkPublished(ctx, event.ID, event.ClaimToken, now)
		}); err != nil {
			return err
		}
		s.metrics.Count(ctx, metrics.OutboxPublishedTotal, 1, attrs)
		log.Debug("published outbox event")

		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	retryCount := event.RetryCount + 1
	reason := truncate(err.Error(), maxErrorReasonLength)

	if retryCount > s.opts.MaxRetries {
		if err := s.settleWith(ctx, func() error {
			return s.outboxRepo.MarkFailed(ctx, event.ID, event.ClaimToken, retryCount, reason, now)
		}); err != nil {
			return err
		}
		s.metrics.Count(ctx, metrics.OutboxFailedTotal, 1, attrs)
		log.Error("outbox event failed permanently",
			slog.Int("retry_count", retryCount),
			slog.String("error", reason),
		)

		return nil
	}

	next := now.Add(s.opts.Backoff.Delay(retryCount))
	if err := s.settleWith(ctx, func() error {
		return s.outboxRepo.MarkRetry(ctx, event.ID, event.ClaimToken, retryCount, next, reason, now)
	}); err != nil {
		return err
	}
	s.metrics.Count(ctx, metrics.OutboxRetryTotal, 1, attrs)
	log.Warn("outbox publish failed, retry scheduled",
		slog.Int("retry_count", retryCount),
		slog.Time("next_attempt_at", next),
		slog.String("error", reason),
	)

	return nil
}

func (s *OutboxServiceImpl) publish(ctx context.Context, event *model.OutboxEvent) error {
	if s.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PublishTimeout)
		defer cancel()
	}

	err := s.publisher.Publish(ctx, transport.Message{
		ID:        event.ID,
		EventID:   event.EventID,
		TenantID:  event.TenantID,
		Topic:     event.Topic,
		Key:       event.Key,
		Payload:   event.Payload,
		EventType: event.Topic,
	})
	if err != nil {
		return &model.OutboxPublishError{OutboxID: event.ID, Topic: event.Topic, Err: err}
	}

	return nil
}

// settleWith retries transient storage failures. A lost lease is not retried.
func (s *OutboxServiceImpl) settleWith(ctx context.Context, fn func() error) error {
	_, err := retry.Do(ctx, s.settle, settleMaxElapsed, func() (struct{}, error) {
		err := fn()
		if errors.Is(err, model.ErrStaleWrite) {
			return struct{}{}, retry.Permanent(err)
		}

		return struct{}{}, err
	})

	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
