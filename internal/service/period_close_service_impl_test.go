package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jnst/ledger-core/internal/integrity"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/model"
)

func closeErr(t *testing.T, err error) *model.PeriodCloseValidationError {
	t.Helper()

	var verr *model.PeriodCloseValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected PeriodCloseValidationError, got %v", err)
	}

	return verr
}

func TestClosePeriodHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openMarch(t)
	env.post(t, "e1", "2026-03-15", "1000", "4000", 5000)
	env.post(t, "e2", "2026-03-31", "1000", "2000", 1200)
	env.materialize(t)

	res, err := env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	p := res.Period
	if p.Status != model.PeriodStatusHardClosed || p.Version != 2 || p.ClosedBy != "alice" || p.SnapshotID != res.Snapshot.ID {
		t.Fatalf("unexpected closed period %+v", p)
	}

	snap := res.Snapshot
	if len(snap.Balances) != 3 || snap.Signature == "" || snap.SignatureKeyID != "k1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.MerkleRoot != integrity.MerkleRoot(snap.Balances) || snap.MerkleRoot == integrity.EmptyMerkleRoot {
		t.Fatalf("snapshot root does not cover its balances")
	}
	if err := env.periods.VerifySnapshot(ctx, tenant, snap.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	events, err := env.events.GetEvents(ctx, tenant, model.PeriodStreamID("2026-03"), 0)
	if err != nil {
		t.Fatalf("period events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != model.EventTypePeriodClosed {
		t.Fatalf("expected one period.closed event, got %+v", events)
	}

	audit, err := env.periods.ListAudit(ctx, tenant, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != model.AuditActionPeriodClosed || audit[0].ActorID != "alice" {
		t.Fatalf("unexpected audit trail %+v", audit)
	}

	_, err = env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{})
	if !closeErr(t, err).HasFinding(model.FindingPeriodNotOpen) {
		t.Fatalf("expected period_not_open, got %v", err)
	}

	if _, err := env.store.DB().ExecContext(ctx, `UPDATE period_snapshots SET merkle_root = 'x'`); err == nil {
		t.Fatalf("expected snapshots to be immutable")
	}
}

func TestClosePeriodRejectsTamperedProjection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openMarch(t)
	env.post(t, "e1", "2026-03-15", "1000", "4000", 5000)
	env.materialize(t)

	if _, err := env.store.DB().ExecContext(ctx,
		`UPDATE account_balance_movements SET amount_minor = 4000 WHERE account_code = '1000'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err := env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{})
	verr := closeErr(t, err)
	if !verr.HasFinding(model.FindingProjectionTampered) || !verr.HasFinding(model.FindingProjectionParity) {
		t.Fatalf("expected tamper and parity findings, got %v", verr)
	}

	p, err := env.periods.GetPeriod(ctx, tenant, "2026-03")
	if err != nil {
		t.Fatalf("get period: %v", err)
	}
	if p.Status != model.PeriodStatusOpen || p.Version != 1 {
		t.Fatalf("a rejected close must leave the period open, got %+v", p)
	}

	audit, err := env.periods.ListAudit(ctx, tenant, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != model.AuditActionPeriodCloseRejected {
		t.Fatalf("expected the rejection to be audited, got %+v", audit)
	}
}

func TestClosePeriodRequiresCaughtUpProjection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openMarch(t)
	env.post(t, "e1", "2026-03-15", "1000", "4000", 5000)

	_, err := env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{})
	if !closeErr(t, err).HasFinding(model.FindingProjectionUnverified) {
		t.Fatalf("expected projection_unverified, got %v", err)
	}

	env.materialize(t)
	env.post(t, "e2", "2026-03-16", "1000", "4000", 300)

	_, err = env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{})
	verr := closeErr(t, err)
	if !verr.HasFinding(model.FindingProjectionBehind) || verr.HasFinding(model.FindingProjectionParity) {
		t.Fatalf("expected only projection_behind, got %v", verr)
	}

	res, err := env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{ForceClose: true})
	if err != nil {
		t.Fatalf("force close: %v", err)
	}
	cash, _ := model.NewBalanceSet(res.Snapshot.Balances...).Get(model.BalanceKey{AccountCode: "1000", CurrencyCode: "USD"})
	if cash.BalanceMinorUnits != 5000 {
		t.Fatalf("expected the snapshot to hold materialized balances, got %d", cash.BalanceMinorUnits)
	}
}

func TestReopenPeriodSeparationOfDuties(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openMarch(t)
	env.post(t, "e1", "2026-03-15", "1000", "4000", 5000)
	env.materialize(t)

	reopen := func(by, approver string) (*model.Period, error) {
		return env.periods.ReopenPeriod(ctx, &model.ReopenParams{
			TenantID:   tenant,
			PeriodID:   "2026-03",
			ReopenedBy: by,
			ApproverID: approver,
			Reason:     "late supplier invoice",
		})
	}

	if _, err := reopen("bob", "carol"); !errors.Is(err, model.ErrPeriodNotClosed) {
		t.Fatalf("expected ErrPeriodNotClosed for an open period, got %v", err)
	}

	if _, err := env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{}); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := reopen("bob", "bob"); !errors.Is(err, model.ErrSeparationOfDuties) {
		t.Fatalf("expected self-approval to be rejected, got %v", err)
	}
	if _, err := reopen("bob", "alice"); !errors.Is(err, model.ErrSeparationOfDuties) {
		t.Fatalf("expected the closer's approval to be rejected, got %v", err)
	}

	env.clock.Advance(time.Hour)
	p, err := reopen("bob", "carol")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if p.Status != model.PeriodStatusOpen || p.Version != 3 || p.ReopenApprovedBy != "carol" || p.ReopenedAt == nil {
		t.Fatalf("unexpected reopened period %+v", p)
	}

	events, err := env.events.GetEvents(ctx, tenant, model.PeriodStreamID("2026-03"), 0)
	if err != nil {
		t.Fatalf("period events: %v", err)
	}
	if len(events) != 2 || events[1].EventType != model.EventTypePeriodReopened {
		t.Fatalf("expected closed and reopened events, got %d", len(events))
	}

	env.post(t, "late", "2026-03-20", "1000", "4000", 10)

	audit, err := env.periods.ListAudit(ctx, tenant, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 2 || audit[0].Action != model.AuditActionPeriodReopened {
		t.Fatalf("expected the reopen to be the newest audit record, got %+v", audit)
	}
}

func TestPostingIntoClosedPeriodIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openMarch(t)
	env.post(t, "e1", "2026-03-15", "1000", "4000", 5000)
	env.materialize(t)

	if _, err := env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{}); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := env.events.Append(ctx, &model.AppendParams{
		TenantID: tenant,
		StreamID: "entry-late",
		Events:   []model.NewEvent{journalEvent(t, "late", "2026-03-20", "1000", "4000", "USD", 10)},
	})
	if !errors.Is(err, model.ErrPeriodClosed) {
		t.Fatalf("expected ErrPeriodClosed, got %v", err)
	}

	called := false
	err = env.periods.WithPostingLock(ctx, tenant, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, model.ErrPeriodClosed) || called {
		t.Fatalf("expected the posting lock to refuse a closed period, got %v (called %v)", err, called)
	}

	err = env.periods.WithPostingLock(ctx, tenant, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected dates outside any period to post freely, got %v", err)
	}
	env.post(t, "april", "2026-04-02", "1000", "4000", 10)
}

func TestExportSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openMarch(t)
	env.post(t, "e1", "2026-03-15", "1000", "4000", 5000)
	env.materialize(t)

	res, err := env.periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	var buf bytes.Buffer
	if err := env.periods.ExportSnapshot(ctx, &buf, tenant, res.Snapshot.ID); err != nil {
		t.Fatalf("export: %v", err)
	}
	if buf.Len() == 0 || !bytes.HasPrefix(buf.Bytes(), []byte("PK")) {
		t.Fatalf("expected an xlsx archive, got %d bytes", buf.Len())
	}

	if err := env.periods.ExportSnapshot(ctx, &buf, "tenant-b", res.Snapshot.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected snapshots to be tenant scoped, got %v", err)
	}
}

// interleavedProjection runs during after each parity check, while a close is in progress.
type interleavedProjection struct {
	ProjectionService
	during func()
}

func (p *interleavedProjection) VerifyProjectionParity(ctx context.Context, tenantID string, asOf time.Time) (*model.ParityResult, error) {
	res, err := p.ProjectionService.VerifyProjectionParity(ctx, tenantID, asOf)
	if p.during != nil {
		p.during()
	}

	return res, err
}

func snapshotBalance(t *testing.T, snap *model.PeriodSnapshot, account string) int64 {
	t.Helper()

	for _, b := range snap.Balances {
		if b.AccountCode == account {
			return b.BalanceMinorUnits
		}
	}
	t.Fatalf("account %s missing from snapshot", account)

	return 0
}

func TestPostingWaitsForPeriodClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openMarch(t)
	env.post(t, "e1", "2026-03-15", "1000", "4000", 100)
	env.materialize(t)

	late := &model.AppendParams{
		TenantID: tenant,
		StreamID: "entry-late",
		Events:   []model.NewEvent{journalEvent(t, "late", "2026-03-20", "1000", "4000", "USD", 999)},
	}

	var lateErr error
	projection := &interleavedProjection{ProjectionService: env.projection, during: func() {
		postCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, lateErr = env.events.Append(postCtx, late)
	}}
	periods := NewPeriodCloseServiceImpl(env.repos, env.events, projection, env.locker, nil, env.clock, env.ids, logger.Discard())

	res, err := periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !errors.Is(lateErr, model.ErrLockNotAcquired) {
		t.Fatalf("expected the posting to wait on the period lock, got %v", lateErr)
	}
	if got := snapshotBalance(t, res.Snapshot, "1000"); got != 100 {
		t.Fatalf("expected snapshot balance 100, got %d", got)
	}

	if _, err := env.events.Append(ctx, late); !errors.Is(err, model.ErrPeriodClosed) {
		t.Fatalf("expected the retried posting to hit the closed period, got %v", err)
	}

	events, err := env.events.GetEvents(ctx, tenant, "entry-late", 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no late posting in the log, got %d", len(events))
	}
}

func TestCloseRejectsPostingsCommittedDuringClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openMarch(t)
	env.post(t, "e1", "2026-03-15", "1000", "4000", 100)
	env.materialize(t)

	projection := &interleavedProjection{ProjectionService: env.projection, during: func() {
		err := env.repos.Events.Insert(ctx, []*model.DomainEvent{{
			ID:         "unlocked-1",
			TenantID:   tenant,
			StreamID:   "entry-unlocked",
			EventType:  model.EventTypeJournalEntryPosted,
			Payload:    journalEvent(t, "unlocked", "2026-03-20", "1000", "4000", "USD", 999).Payload,
			OccurredAt: start,
			RecordedAt: start,
		}})
		if err != nil {
			t.Errorf("insert: %v", err)
		}
	}}
	periods := NewPeriodCloseServiceImpl(env.repos, env.events, projection, env.locker, nil, env.clock, env.ids, logger.Discard())

	_, err := periods.ClosePeriod(ctx, tenant, "2026-03", "alice", model.CloseOptions{})
	verr := closeErr(t, err)
	if !verr.HasFinding(model.FindingPostedDuringClose) {
		t.Fatalf("expected %s, got %v", model.FindingPostedDuringClose, verr)
	}

	p, err := periods.GetPeriod(ctx, tenant, "2026-03")
	if err != nil {
		t.Fatalf("get period: %v", err)
	}
	if p.Status != model.PeriodStatusOpen || p.SnapshotID != "" {
		t.Fatalf("expected the period to stay open without a snapshot, got %+v", p)
	}

	audit, err := periods.ListAudit(ctx, tenant, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != model.AuditActionPeriodCloseRejected {
		t.Fatalf("expected the rejected close to be audited, got %+v", audit)
	}
}
