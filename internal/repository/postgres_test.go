package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/ledger-core/internal/migrations"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/repository"
)

// These tests run against a real PostgreSQL when LEDGER_TEST_DATABASE_URL is set.
func openPostgres(t *testing.T) *repository.Repositories {
	t.Helper()

	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}

	if err := migrations.UpPostgres(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := repository.OpenPool(context.Background(), url)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return repository.NewPostgresRepositories(pool)
}

func TestPostgresClaimReadyIsExclusive(t *testing.T) {
	repos := openPostgres(t)
	ctx := context.Background()
	tenantID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows := make([]*model.OutboxEvent, 0, 40)
	for i := 0; i < 40; i++ {
		rows = append(rows, &model.OutboxEvent{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			EventID:       fmt.Sprintf("evt-%d", i),
			Topic:         model.EventTypeJournalEntryPosted,
			Key:           "stream-1",
			Payload:       []byte(`{}`),
			Status:        model.OutboxStatusReady,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := repos.Outbox.CreateEvents(ctx, rows); err != nil {
		t.Fatalf("create events: %v", err)
	}

	var (
		mu     sync.Mutex
		owners = make(map[string]string)
		wg     sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			for {
				claimed, err := repos.Outbox.ClaimReady(ctx, now, 3, token)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}

				mu.Lock()
				for _, e := range claimed {
					if e.TenantID != tenantID {
						continue
					}
					if prev, ok := owners[e.ID]; ok {
						t.Errorf("row %s claimed by %s and %s", e.ID, prev, token)
					}
					owners[e.ID] = token
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(owners) != len(rows) {
		t.Fatalf("expected %d claimed rows, got %d", len(rows), len(owners))
	}

	for id, token := range owners {
		got, err := repos.Outbox.GetByID(ctx, tenantID, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != model.OutboxStatusProcessing || got.ClaimToken != token {
			t.Fatalf("expected row %s leased by %s, got %+v", id, token, got)
		}
	}
}

func TestPostgresSettleRequiresCurrentLease(t *testing.T) {
	repos := openPostgres(t)
	ctx := context.Background()
	tenantID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	// Due long ago so it sorts ahead of rows left by other runs.
	due := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	err := repos.Outbox.CreateEvents(ctx, []*model.OutboxEvent{{
		ID: id, TenantID: tenantID, EventID: "evt-1", Topic: "t", Key: "k", Payload: []byte(`{}`),
		Status: model.OutboxStatusReady, NextAttemptAt: due, CreatedAt: due, UpdatedAt: due,
	}})
	if err != nil {
		t.Fatalf("create events: %v", err)
	}

	if _, err := repos.Outbox.ClaimReady(ctx, now, 1, "slow"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	later := now.Add(3 * time.Minute)
	if _, err := repos.Outbox.ReleaseStale(ctx, later.Add(-2*time.Minute), later); err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if _, err := repos.Outbox.ClaimReady(ctx, later, 1, "fresh"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	if err := repos.Outbox.MarkPublished(ctx, id, "slow", later); !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite for the expired lease, got %v", err)
	}
	if err := repos.Outbox.MarkPublished(ctx, id, "fresh", later); err != nil {
		t.Fatalf("mark published: %v", err)
	}
}

func TestPostgresHealthSaveLosesCompareAndSwap(t *testing.T) {
	repos := openPostgres(t)
	ctx := context.Background()
	tenantID := uuid.NewString()
	now := time.Now().UTC()

	health := func(last int64) *model.ProjectionHealth {
		return &model.ProjectionHealth{
			TenantID:       tenantID,
			Projection:     model.TrialBalanceProjection,
			LastEventID:    last,
			Checksum:       fmt.Sprintf("sum-%d", last),
			AsOfDate:       now,
			MaterializedAt: now,
		}
	}

	if err := repos.Health.Save(ctx, health(5), 0); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := repos.Health.Save(ctx, health(7), 0); !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite for a writer that read the old watermark, got %v", err)
	}
	if err := repos.Health.Save(ctx, health(7), 5); err != nil {
		t.Fatalf("save from current watermark: %v", err)
	}

	got, err := repos.Health.Get(ctx, tenantID, model.TrialBalanceProjection)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastEventID != 7 || got.Checksum != "sum-7" {
		t.Fatalf("unexpected watermark %+v", got)
	}
}

func TestPostgresProjectionLockExcludesOtherTransactions(t *testing.T) {
	repos := openPostgres(t)
	ctx := context.Background()
	tenantID := uuid.NewString()

	err := repos.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := repos.Health.Lock(ctx, tenantID, model.TrialBalanceProjection); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		err := repos.Tx.WithTransaction(waitCtx, func(ctx context.Context) error {
			return repos.Health.Lock(ctx, tenantID, model.TrialBalanceProjection)
		})
		if err == nil {
			return errors.New("second transaction took a held projection lock")
		}

		return nil
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	err = repos.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		return repos.Health.Lock(ctx, tenantID, model.TrialBalanceProjection)
	})
	if err != nil {
		t.Fatalf("expected the lock to be free after commit, got %v", err)
	}
}

func TestPostgresPeriodUpdateRejectsStaleVersion(t *testing.T) {
	repos := openPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &model.Period{
		ID:        "2026-03",
		TenantID:  uuid.NewString(),
		Name:      "March 2026",
		StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Status:    model.PeriodStatusOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repos.Periods.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	closed := *p
	closed.Status = model.PeriodStatusHardClosed
	closed.Version = 2
	closed.ClosedBy = "alice"
	closed.ClosedAt = &now
	if err := repos.Periods.Update(ctx, &closed, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	reopened := *p
	reopened.Version = 2
	if err := repos.Periods.Update(ctx, &reopened, 1); !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite for a stale version, got %v", err)
	}

	got, err := repos.Periods.FindByID(ctx, p.TenantID, p.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != model.PeriodStatusHardClosed || got.Version != 2 {
		t.Fatalf("expected the first update to stand, got %+v", got)
	}
}

func TestPostgresDuplicateSequenceIsAConflict(t *testing.T) {
	repos := openPostgres(t)
	ctx := context.Background()
	tenantID := uuid.NewString()
	now := time.Now().UTC()

	event := func() *model.DomainEvent {
		return &model.DomainEvent{
			ID: uuid.NewString(), TenantID: tenantID, StreamID: "s1", EventType: "x",
			SequenceNumber: 0, Payload: []byte(`{}`), OccurredAt: now, RecordedAt: now,
		}
	}

	if err := repos.Events.Insert(ctx, []*model.DomainEvent{event()}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var concurrencyErr *model.ConcurrencyError
	if err := repos.Events.Insert(ctx, []*model.DomainEvent{event()}); !errors.As(err, &concurrencyErr) {
		t.Fatalf("expected ConcurrencyError for a taken sequence number, got %v", err)
	}

	version, err := repos.Events.StreamVersion(ctx, tenantID, "s1")
	if err != nil || version != 1 {
		t.Fatalf("expected stream version 1, got %d (err %v)", version, err)
	}
}
