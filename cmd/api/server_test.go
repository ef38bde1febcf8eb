package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jnst/ledger-core/internal/clock"
	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/lock"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/metrics"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/repository/sqlite"
	"github.com/jnst/ledger-core/internal/retry"
	"github.com/jnst/ledger-core/internal/service"
	"github.com/jnst/ledger-core/internal/transport"
)

const tenant = "tenant-a"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	repos := store.Repositories()
	clk := clock.NewManual(time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC))
	ids := &idgen.Sequence{Prefix: "id"}
	log := logger.Discard()
	sink := metrics.NewMemory()

	locker := lock.NewLocal(time.Second)
	events := service.NewEventStoreImpl(repos, locker, clk, ids, log)
	outbox := service.NewOutboxServiceImpl(repos.Outbox, transport.NewMemory(), service.OutboxOptions{
		MaxRetries: 3,
		Backoff:    retry.DefaultPolicy(time.Second, time.Minute),
	}, clk, sink, log)
	projection := service.NewProjectionServiceImpl(repos, nil, service.ProjectionOptions{}, clk, sink, log)
	periods := service.NewPeriodCloseServiceImpl(repos, events, projection, locker, nil, clk, ids, log)

	server := NewAPIServer(events, outbox, projection, periods, store.DB().PingContext, clk.Now, log)
	server.recent = sink

	return server.handler(ids, "*")
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(headerTenantID, tenant)
	req.Header.Set(headerCorrelationID, "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func journal(entryID, date string, amount int64) map[string]any {
	payload := model.JournalEntryPosted{
		EntryID:     entryID,
		PostingDate: date,
		Lines: []model.JournalLine{
			{AccountCode: "1000", CurrencyCode: "USD", DebitMinor: amount},
			{AccountCode: "4000", CurrencyCode: "USD", CreditMinor: amount},
		},
	}

	return map[string]any{
		"events": []any{map[string]any{"event_type": model.EventTypeJournalEntryPosted, "payload": payload}},
	}
}

func TestLedgerFlowOverHTTP(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/periods", map[string]string{
		"period_id": "2026-03", "start_date": "2026-03-01", "end_date": "2026-03-31",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open period: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/v1/streams/entry-1/events", journal("e1", "2026-03-15", 5000))
	if rec.Code != http.StatusCreated {
		t.Fatalf("append: %d %s", rec.Code, rec.Body)
	}
	if rec.Header().Get(headerCorrelationID) != "corr-1" {
		t.Fatalf("expected the correlation id to be echoed")
	}

	rec = do(t, h, http.MethodPost, "/v1/streams/entry-1/events", journal("e2", "2026-03-16", 10))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a stale expected version, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/periods/2026-03/close", map[string]string{"closed_by": "alice"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 before materializing, got %d %s", rec.Code, rec.Body)
	}
	var rejected errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&rejected); err != nil || len(rejected.Findings) == 0 {
		t.Fatalf("expected findings in the response, got %+v (err %v)", rejected, err)
	}

	if rec = do(t, h, http.MethodPost, "/v1/projection/materialize", nil); rec.Code != http.StatusOK {
		t.Fatalf("materialize: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/v1/trial-balance?as_of=2026-03-31", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trial balance: %d %s", rec.Code, rec.Body)
	}
	var tb model.TrialBalance
	if err := json.NewDecoder(rec.Body).Decode(&tb); err != nil {
		t.Fatalf("decode trial balance: %v", err)
	}
	if len(tb.Balances) != 2 || tb.Totals["USD"].NetMinor != 0 {
		t.Fatalf("unexpected trial balance %+v", tb)
	}

	if rec = do(t, h, http.MethodGet, "/v1/trial-balance?currency=EUR", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a rate provider, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/periods/2026-03/close", map[string]string{"closed_by": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body)
	}
	var closed model.CloseResult
	if err := json.NewDecoder(rec.Body).Decode(&closed); err != nil {
		t.Fatalf("decode close result: %v", err)
	}

	rec = do(t, h, http.MethodPost, "/v1/streams/entry-2/events", journal("e3", "2026-03-20", 10))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 posting into a closed period, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/snapshots/"+closed.Snapshot.ID+"/export", nil)
	if rec.Code != http.StatusOK || rec.Header().Get(contentTypeJSON) != applicationXLSX || rec.Body.Len() == 0 {
		t.Fatalf("export: %d %s", rec.Code, rec.Header().Get(contentTypeJSON))
	}

	rec = do(t, h, http.MethodPost, "/v1/periods/2026-03/reopen", map[string]string{
		"reopened_by": "bob", "approver_id": "bob", "reason": "late invoice",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for self-approval, got %d", rec.Code)
	}

	if rec = do(t, h, http.MethodGet, "/v1/audit", nil); rec.Code != http.StatusOK {
		t.Fatalf("audit: %d", rec.Code)
	}
	if rec = do(t, h, http.MethodGet, "/v1/outbox/summary", nil); rec.Code != http.StatusOK {
		t.Fatalf("outbox summary: %d", rec.Code)
	}

	if rec = do(t, h, http.MethodGet, "/v1/projection/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("projection health: %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/metrics/recent", nil)
	var snap metrics.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if _, ok := snap.Gauges[metrics.ProjectionLagSeconds]; !ok {
		t.Fatalf("expected the lag gauge to be recorded, got %+v", snap)
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/periods", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get(headerCorrelationID) == "" {
		t.Fatalf("expected ready with a minted correlation id, got %d", rec.Code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&model.ConcurrencyError{}, http.StatusConflict},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrSeparationOfDuties, http.StatusForbidden},
		{&model.PeriodCloseValidationError{}, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got, _ := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
