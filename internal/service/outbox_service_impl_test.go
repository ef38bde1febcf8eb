package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jnst/ledger-core/internal/metrics"
	"github.com/jnst/ledger-core/internal/model"
)

func appendN(t *testing.T, env *testEnv, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		if _, err := env.events.Append(context.Background(), &model.AppendParams{
			TenantID: tenant,
			StreamID: fmt.Sprintf("order-%d", i),
			Events:   []model.NewEvent{{EventType: "order.created"}},
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestProcessReadyEventsPublishes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appendN(t, env, 3)

	n, err := env.outbox.ProcessReadyEvents(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 3 || len(env.publisher.Messages()) != 3 {
		t.Fatalf("expected 3 published messages, claimed %d, published %d", n, len(env.publisher.Messages()))
	}

	summary, err := env.outbox.Summary(ctx, tenant)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.PublishedCount != 3 || summary.ReadyCount != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := env.metrics.Counter(metrics.OutboxPublishedTotal); got != 3 {
		t.Fatalf("expected 3 published in metrics, got %d", got)
	}

	msg := env.publisher.Messages()[0]
	if msg.Topic != "order.created" || msg.Key != "order-0" || msg.EventID == "" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestFailedPublishBacksOffUntilFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appendN(t, env, 1)

	env.publisher.FailNext(-1, errors.New("broker down"))

	rows, err := env.outbox.ListEvents(ctx, model.OutboxFilter{TenantID: tenant})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one outbox row, got %d (err %v)", len(rows), err)
	}
	id := rows[0].ID

	var lastNext time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		if n, err := env.outbox.ProcessReadyEvents(ctx, 10); err != nil || n != 1 {
			t.Fatalf("attempt %d: claimed %d (err %v)", attempt, n, err)
		}

		row, err := env.outbox.GetEvent(ctx, tenant, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if row.Status != model.OutboxStatusReady || row.RetryCount != attempt || row.ErrorReason == "" {
			t.Fatalf("attempt %d: unexpected row %+v", attempt, row)
		}
		if !row.NextAttemptAt.After(lastNext) {
			t.Fatalf("attempt %d: next attempt %v did not move past %v", attempt, row.NextAttemptAt, lastNext)
		}
		lastNext = row.NextAttemptAt

		if n, _ := env.outbox.ProcessReadyEvents(ctx, 10); n != 0 {
			t.Fatalf("attempt %d: row was claimed before its next attempt", attempt)
		}
		env.clock.Set(row.NextAttemptAt)
	}

	if _, err := env.outbox.ProcessReadyEvents(ctx, 10); err != nil {
		t.Fatalf("final attempt: %v", err)
	}

	row, err := env.outbox.GetEvent(ctx, tenant, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != model.OutboxStatusFailed || row.RetryCount != 4 || row.ProcessedAt == nil {
		t.Fatalf("expected FAILED after exceeding 3 retries, got %+v", row)
	}

	env.clock.Advance(time.Hour)
	if n, _ := env.outbox.ProcessReadyEvents(ctx, 10); n != 0 {
		t.Fatalf("FAILED rows must not be claimed again")
	}
	if env.metrics.Counter(metrics.OutboxRetryTotal) != 3 || env.metrics.Counter(metrics.OutboxFailedTotal) != 1 {
		t.Fatalf("unexpected retry/failed metrics: %d/%d",
			env.metrics.Counter(metrics.OutboxRetryTotal), env.metrics.Counter(metrics.OutboxFailedTotal))
	}

	failed, err := env.outbox.ListEvents(ctx, model.OutboxFilter{TenantID: tenant, Status: model.OutboxStatusFailed})
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected FAILED row to be queryable, got %d (err %v)", len(failed), err)
	}

	env.publisher.FailNext(0, nil)
	if err := env.outbox.Requeue(ctx, tenant, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n, err := env.outbox.ProcessReadyEvents(ctx, 10); err != nil || n != 1 {
		t.Fatalf("expected requeued row to be claimed, got %d (err %v)", n, err)
	}

	row, err = env.outbox.GetEvent(ctx, tenant, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != model.OutboxStatusPublished {
		t.Fatalf("expected PUBLISHED after requeue, got %s", row.Status)
	}
}

func TestRequeueRequiresFailedRow(t *testing.T) {
	env := newTestEnv(t)
	appendN(t, env, 1)

	rows, err := env.outbox.ListEvents(context.Background(), model.OutboxFilter{TenantID: tenant})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one row, got %d (err %v)", len(rows), err)
	}

	if err := env.outbox.Requeue(context.Background(), tenant, rows[0].ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a READY row, got %v", err)
	}
}

func TestConcurrentWorkersNeverDoubleClaim(t *testing.T) {
	env := newTestEnv(t)
	appendN(t, env, 20)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := env.outbox.ProcessReadyEvents(context.Background(), 3)
				if err != nil {
					t.Errorf("process: %v", err)
					return
				}
				if n == 0 {
					return
				}
				mu.Lock()
				claimed += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 20 {
		t.Fatalf("expected 20 claims in total, got %d", claimed)
	}

	seen := make(map[string]bool)
	for _, m := range env.publisher.Messages() {
		if seen[m.ID] {
			t.Fatalf("outbox row %s published twice", m.ID)
		}
		seen[m.ID] = true
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct messages, got %d", len(seen))
	}
}

func TestExpiredLeaseIsRecovered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appendN(t, env, 1)

	// Simulate a worker that crashed after claiming.
	if claimed, err := env.repos.Outbox.ClaimReady(ctx, env.clock.Now(), 10, "crashed-worker"); err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %d rows (err %v)", len(claimed), err)
	}

	if n, _ := env.outbox.ProcessReadyEvents(ctx, 10); n != 0 {
		t.Fatalf("a leased row must not be claimed again before the lease expires")
	}

	env.clock.Advance(3 * time.Minute)
	if n, err := env.outbox.ProcessReadyEvents(ctx, 10); err != nil || n != 1 {
		t.Fatalf("expected the recovered row to be claimed, got %d (err %v)", n, err)
	}
	if env.metrics.Counter(metrics.OutboxRecoveredTotal) != 1 || len(env.publisher.Messages()) != 1 {
		t.Fatalf("expected one recovered and published row")
	}
}
