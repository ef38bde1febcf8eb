package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jnst/ledger-core/internal/clock"
	"github.com/jnst/ledger-core/internal/fx"
	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/integrity"
	"github.com/jnst/ledger-core/internal/lock"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/metrics"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/repository"
	"github.com/jnst/ledger-core/internal/repository/sqlite"
	"github.com/jnst/ledger-core/internal/retry"
	"github.com/jnst/ledger-core/internal/transport"
)

const tenant = "tenant-a"

var start = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store      *sqlite.Store
	repos      *repository.Repositories
	clock      *clock.Manual
	ids        *idgen.Sequence
	publisher  *transport.Memory
	metrics    *metrics.Memory
	locker     *lock.Local
	events     EventStore
	outbox     OutboxService
	projection ProjectionService
	periods    PeriodCloseService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keyring, err := integrity.NewKeyring(map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")}, "k1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	rates, err := fx.ParseStatic("EUR/USD=1.10", func() time.Time { return start })
	if err != nil {
		t.Fatalf("rates: %v", err)
	}

	env := &testEnv{
		store:     store,
		repos:     store.Repositories(),
		clock:     clock.NewManual(start),
		ids:       &idgen.Sequence{Prefix: "id"},
		publisher: transport.NewMemory(),
		metrics:   metrics.NewMemory(),
	}

	log := logger.Discard()
	env.locker = lock.NewLocal(time.Second)
	env.events = NewEventStoreImpl(env.repos, env.locker, env.clock, env.ids, log)
	env.outbox = NewOutboxServiceImpl(env.repos.Outbox, env.publisher, OutboxOptions{
		MaxRetries:     3,
		Backoff:        retry.Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2},
		PublishTimeout: time.Second,
		ClaimLease:     2 * time.Minute,
	}, env.clock, env.metrics, log)
	env.projection = NewProjectionServiceImpl(env.repos, fx.NewFallback(nil, rates, log), ProjectionOptions{
		BatchSize:      2,
		StaleThreshold: time.Minute,
	}, env.clock, env.metrics, log)
	env.periods = NewPeriodCloseServiceImpl(env.repos, env.events, env.projection, env.locker,
		keyring, env.clock, env.ids, log)

	return env
}

func journalEvent(t *testing.T, entryID, date, debit, credit, currency string, amount int64) model.NewEvent {
	t.Helper()

	payload, err := json.Marshal(model.JournalEntryPosted{
		EntryID:     entryID,
		PostingDate: date,
		Lines: []model.JournalLine{
			{AccountCode: debit, AccountName: "Account " + debit, CurrencyCode: currency, DebitMinor: amount},
			{AccountCode: credit, AccountName: "Account " + credit, CurrencyCode: currency, CreditMinor: amount},
		},
	})
	if err != nil {
		t.Fatalf("marshal journal: %v", err)
	}

	return model.NewEvent{EventType: model.EventTypeJournalEntryPosted, Payload: payload}
}

// post appends one balanced USD entry to its own stream.
func (e *testEnv) post(t *testing.T, entryID, date, debit, credit string, amount int64) {
	t.Helper()

	_, err := e.events.Append(context.Background(), &model.AppendParams{
		TenantID: tenant,
		StreamID: "entry-" + entryID,
		Events:   []model.NewEvent{journalEvent(t, entryID, date, debit, credit, "USD", amount)},
	})
	if err != nil {
		t.Fatalf("post %s: %v", entryID, err)
	}
}

func (e *testEnv) materialize(t *testing.T) *model.ProjectionHealth {
	t.Helper()

	h, err := e.projection.Materialize(context.Background(), tenant, e.clock.Now())
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	return h
}

func (e *testEnv) openMarch(t *testing.T) *model.Period {
	t.Helper()

	p, err := e.periods.OpenPeriod(context.Background(), &model.OpenPeriodParams{
		TenantID:  tenant,
		PeriodID:  "2026-03",
		Name:      "March 2026",
		StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("open period: %v", err)
	}

	return p
}

func balanceOf(tb *model.TrialBalance, account, currency string) int64 {
	for _, b := range tb.Balances {
		if b.AccountCode == account && b.CurrencyCode == currency {
			return b.BalanceMinorUnits
		}
	}

	return 0
}
