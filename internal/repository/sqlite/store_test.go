package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/repository"
)

var t0 = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *repository.Repositories {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store.Repositories()
}

func outboxRow(id string) *model.OutboxEvent {
	return &model.OutboxEvent{
		ID:            id,
		TenantID:      "t1",
		EventID:       "evt-" + id,
		Topic:         model.EventTypeJournalEntryPosted,
		Key:           "stream-1",
		Payload:       []byte(`{}`),
		Status:        model.OutboxStatusReady,
		NextAttemptAt: t0,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func TestClaimReadyNeverReturnsARowTwice(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	if err := repos.Outbox.CreateEvents(ctx, []*model.OutboxEvent{outboxRow("a"), outboxRow("b")}); err != nil {
		t.Fatalf("create events: %v", err)
	}

	first, err := repos.Outbox.ClaimReady(ctx, t0, 10, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 2 || first[0].Status != model.OutboxStatusProcessing {
		t.Fatalf("expected 2 processing rows, got %+v", first)
	}

	second, err := repos.Outbox.ClaimReady(ctx, t0, 10, "w2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no rows on second claim, got %d", len(second))
	}
}

func TestClaimReadySkipsFutureAttempts(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	row := outboxRow("a")
	row.NextAttemptAt = t0.Add(time.Minute)
	if err := repos.Outbox.CreateEvents(ctx, []*model.OutboxEvent{row}); err != nil {
		t.Fatalf("create events: %v", err)
	}

	claimed, err := repos.Outbox.ClaimReady(ctx, t0, 10, "w1")
	if err != nil || len(claimed) != 0 {
		t.Fatalf("expected nothing due, got %d rows (err %v)", len(claimed), err)
	}
}

func TestSettleRequiresLease(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	if err := repos.Outbox.CreateEvents(ctx, []*model.OutboxEvent{outboxRow("a")}); err != nil {
		t.Fatalf("create events: %v", err)
	}

	err := repos.Outbox.MarkPublished(ctx, "a", "", t0)
	if !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite for an unclaimed row, got %v", err)
	}

	if _, err := repos.Outbox.ClaimReady(ctx, t0, 1, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repos.Outbox.MarkPublished(ctx, "a", "w2", t0); !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite for another worker's token, got %v", err)
	}
	if err := repos.Outbox.MarkPublished(ctx, "a", "w1", t0); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	got, err := repos.Outbox.GetByID(ctx, "t1", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.OutboxStatusPublished || got.ProcessedAt == nil || got.ClaimToken != "" {
		t.Fatalf("expected published row with processed_at, got %+v", got)
	}

	if _, err := repos.Outbox.GetByID(ctx, "t2", "a"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected other tenant lookup to miss, got %v", err)
	}
}

func TestReleaseStaleAndSummary(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	if err := repos.Outbox.CreateEvents(ctx, []*model.OutboxEvent{outboxRow("a"), outboxRow("b")}); err != nil {
		t.Fatalf("create events: %v", err)
	}
	if _, err := repos.Outbox.ClaimReady(ctx, t0, 1, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	released, err := repos.Outbox.ReleaseStale(ctx, t0.Add(time.Second), t0.Add(time.Minute))
	if err != nil || released != 1 {
		t.Fatalf("expected 1 released row, got %d (err %v)", released, err)
	}

	summary, err := repos.Outbox.Summary(ctx, "t1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ReadyCount != 2 || summary.ProcessingCount != 0 || summary.OldestReadyAt == nil {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestHealthSaveIsCompareAndSwap(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	h := &model.ProjectionHealth{
		TenantID:       "t1",
		Projection:     model.TrialBalanceProjection,
		LastEventID:    3,
		Checksum:       "abc",
		AsOfDate:       t0,
		MaterializedAt: t0,
	}
	if err := repos.Health.Save(ctx, h, 0); err != nil {
		t.Fatalf("first save: %v", err)
	}

	h.LastEventID = 5
	if err := repos.Health.Save(ctx, h, 0); !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if err := repos.Health.Save(ctx, h, 3); err != nil {
		t.Fatalf("cas save: %v", err)
	}

	got, err := repos.Health.Get(ctx, "t1", model.TrialBalanceProjection)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastEventID != 5 || got.Checksum != "abc" {
		t.Fatalf("unexpected health %+v", got)
	}
}

func TestApplyMovementsSumsPerDay(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC) }
	err := repos.Balances.ApplyMovements(ctx, []model.BalanceMovement{
		{TenantID: "t1", AccountCode: "1000", CurrencyCode: "USD", PostingDate: day(1), AmountMinor: 100, LastUpdated: t0},
		{TenantID: "t1", AccountCode: "1000", CurrencyCode: "USD", PostingDate: day(1), AmountMinor: 50, LastUpdated: t0},
		{TenantID: "t1", AccountCode: "1000", CurrencyCode: "USD", PostingDate: day(20), AmountMinor: 7, LastUpdated: t0},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	balances, err := repos.Balances.ListAsOf(ctx, "t1", day(10))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(balances) != 1 || balances[0].BalanceMinorUnits != 150 {
		t.Fatalf("expected 150 as of day 10, got %+v", balances)
	}

	movements, err := repos.Balances.ListMovements(ctx, "t1")
	if err != nil || len(movements) != 2 {
		t.Fatalf("expected 2 movement buckets, got %d (err %v)", len(movements), err)
	}
}

func TestPeriodUpdateGuardedByVersion(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	p := &model.Period{
		ID:        "2026-03",
		TenantID:  "t1",
		Name:      "March",
		StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Status:    model.PeriodStatusOpen,
		Version:   1,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	if err := repos.Periods.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repos.Periods.Create(ctx, p); !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	p.Status = model.PeriodStatusHardClosed
	p.Version = 2
	if err := repos.Periods.Update(ctx, p, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repos.Periods.Update(ctx, p, 1); !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	found, err := repos.Periods.FindByDate(ctx, "t1", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("find by date: %v", err)
	}
	if found.Status != model.PeriodStatusHardClosed || found.Version != 2 {
		t.Fatalf("unexpected period %+v", found)
	}

	if _, err := repos.Periods.FindByDate(ctx, "t1", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound outside the period, got %v", err)
	}
}

func TestEventsAreAppendOnly(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	repos := store.Repositories()

	err = repos.Events.Insert(ctx, []*model.DomainEvent{{
		ID: "e1", TenantID: "t1", StreamID: "s1", EventType: "x", SequenceNumber: 0,
		Payload: []byte(`{}`), OccurredAt: t0,
	}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := store.DB().ExecContext(ctx, `UPDATE ledger_events SET event_type = 'y'`); err == nil {
		t.Fatalf("expected update of ledger_events to be rejected")
	}
	if _, err := store.DB().ExecContext(ctx, `DELETE FROM ledger_events`); err == nil {
		t.Fatalf("expected delete from ledger_events to be rejected")
	}

	err = repos.Events.Insert(ctx, []*model.DomainEvent{{
		ID: "e2", TenantID: "t1", StreamID: "s1", EventType: "x", SequenceNumber: 0,
		Payload: []byte(`{}`), OccurredAt: t0,
	}})
	var concurrencyErr *model.ConcurrencyError
	if !errors.As(err, &concurrencyErr) {
		t.Fatalf("expected ConcurrencyError for a taken sequence number, got %v", err)
	}
}

func TestTransactionRollsBack(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repos.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := repos.Outbox.CreateEvents(ctx, []*model.OutboxEvent{outboxRow("a")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := repos.Outbox.GetByID(ctx, "t1", "a"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected rolled back row to be absent, got %v", err)
	}
}

func TestSettleAfterLeaseRecoveryIsRejected(t *testing.T) {
	repos := openTestStore(t)
	ctx := context.Background()

	if err := repos.Outbox.CreateEvents(ctx, []*model.OutboxEvent{outboxRow("a")}); err != nil {
		t.Fatalf("create events: %v", err)
	}
	if _, err := repos.Outbox.ClaimReady(ctx, t0, 1, "slow"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	later := t0.Add(3 * time.Minute)
	if released, err := repos.Outbox.ReleaseStale(ctx, later.Add(-2*time.Minute), later); err != nil || released != 1 {
		t.Fatalf("expected 1 released row, got %d (err %v)", released, err)
	}
	reclaimed, err := repos.Outbox.ClaimReady(ctx, later, 1, "fresh")
	if err != nil || len(reclaimed) != 1 || reclaimed[0].ClaimToken != "fresh" {
		t.Fatalf("expected the row to be reclaimed under the new token, got %+v (err %v)", reclaimed, err)
	}

	if err := repos.Outbox.MarkRetry(ctx, "a", "slow", 1, later, "timeout", later); !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected the expired lease to be rejected, got %v", err)
	}
	if err := repos.Outbox.MarkFailed(ctx, "a", "slow", 9, "timeout", later); !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected the expired lease to be rejected, got %v", err)
	}

	got, err := repos.Outbox.GetByID(ctx, "t1", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.OutboxStatusProcessing || got.ClaimToken != "fresh" || got.RetryCount != 0 {
		t.Fatalf("expected the row to stay with its new owner, got %+v", got)
	}
}
