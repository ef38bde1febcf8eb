package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jnst/ledger-core/internal/fx"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/metrics"
	"github.com/jnst/ledger-core/internal/model"
	"github.com/jnst/ledger-core/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	applicationXLSX        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	failedToEncodeResponse = "failed to encode response"
	decimalBase            = 10
	int64BitSize           = 64
	maxBodyBytes           = 1 << 20
)

// APIServer serves the ledger HTTP API.
type APIServer struct {
	events     service.EventStore
	outbox     service.OutboxService
	projection service.ProjectionService
	periods    service.PeriodCloseService
	ready      func(ctx context.Context) error
	recent     *metrics.Memory
	now        func() time.Time
	logger     *slog.Logger
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(
	events service.EventStore,
	outbox service.OutboxService,
	projection service.ProjectionService,
	periods service.PeriodCloseService,
	ready func(ctx context.Context) error,
	now func() time.Time,
	log *slog.Logger,
) *APIServer {
	return &APIServer{
		events:     events,
		outbox:     outbox,
		projection: projection,
		periods:    periods,
		ready:      ready,
		now:        now,
		logger:     log,
	}
}

// Routes registers every endpoint on a new mux.
func (s *APIServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HealthCheck)
	mux.HandleFunc("GET /ready", s.ReadyCheck)
	mux.HandleFunc("GET /metrics/recent", s.RecentMetrics)

	mux.HandleFunc("POST /v1/streams/{stream}/events", s.AppendEvents)
	mux.HandleFunc("GET /v1/streams/{stream}/events", s.GetStreamEvents)
	mux.HandleFunc("GET /v1/events", s.GetEventsFrom)

	mux.HandleFunc("GET /v1/outbox", s.ListOutbox)
	mux.HandleFunc("GET /v1/outbox/summary", s.OutboxSummary)
	mux.HandleFunc("GET /v1/outbox/{id}", s.GetOutboxEvent)
	mux.HandleFunc("POST /v1/outbox/{id}/requeue", s.RequeueOutboxEvent)

	mux.HandleFunc("GET /v1/trial-balance", s.GetTrialBalance)
	mux.HandleFunc("POST /v1/projection/materialize", s.Materialize)
	mux.HandleFunc("POST /v1/projection/rebuild", s.Rebuild)
	mux.HandleFunc("GET /v1/projection/parity", s.VerifyParity)
	mux.HandleFunc("GET /v1/projection/health", s.ProjectionHealth)

	mux.HandleFunc("POST /v1/periods", s.OpenPeriod)
	mux.HandleFunc("GET /v1/periods", s.ListPeriods)
	mux.HandleFunc("GET /v1/periods/{id}", s.GetPeriod)
	mux.HandleFunc("POST /v1/periods/{id}/close", s.ClosePeriod)
	mux.HandleFunc("POST /v1/periods/{id}/reopen", s.ReopenPeriod)

	mux.HandleFunc("GET /v1/snapshots/{id}", s.GetSnapshot)
	mux.HandleFunc("GET /v1/snapshots/{id}/verify", s.VerifySnapshot)
	mux.HandleFunc("GET /v1/snapshots/{id}/export", s.ExportSnapshot)

	mux.HandleFunc("GET /v1/audit", s.ListAudit)

	return mux
}

type appendRequest struct {
	Events          []model.NewEvent `json:"events"`
	ExpectedVersion int64            `json:"expected_version"`
	IdempotencyKey  string           `json:"idempotency_key"`
}

// AppendEvents handles POST /v1/streams/{stream}/events.
func (s *APIServer) AppendEvents(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if !s.decode(w, r, &req) {
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(headerIdempotencyKey)
	}

	result, err := s.events.Append(r.Context(), &model.AppendParams{
		TenantID:        tenantID(r.Context()),
		StreamID:        r.PathValue("stream"),
		Events:          req.Events,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  key,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	s.writeJSON(w, status, result)
}

// GetStreamEvents handles GET /v1/streams/{stream}/events?from_version=N.
func (s *APIServer) GetStreamEvents(w http.ResponseWriter, r *http.Request) {
	from, err := int64Query(r, "from_version")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.events.GetEvents(r.Context(), tenantID(r.Context()), r.PathValue("stream"), from)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, events)
}

// GetEventsFrom handles GET /v1/events?from=RFC3339.
func (s *APIServer) GetEventsFrom(w http.ResponseWriter, r *http.Request) {
	var from time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: from: %v", model.ErrInvalidArgument, err))
			return
		}
		from = t
	}

	events, err := s.events.GetEventsFromTimestamp(r.Context(), tenantID(r.Context()), from)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, events)
}

// ListOutbox handles GET /v1/outbox?status=&topic=&limit=.
func (s *APIServer) ListOutbox(w http.ResponseWriter, r *http.Request) {
	limit, err := int64Query(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	rows, err := s.outbox.ListEvents(r.Context(), model.OutboxFilter{
		TenantID: tenantID(r.Context()),
		Status:   model.OutboxStatus(q.Get("status")),
		Topic:    q.Get("topic"),
		Limit:    int(limit),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, rows)
}

// OutboxSummary handles GET /v1/outbox/summary.
func (s *APIServer) OutboxSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.outbox.Summary(r.Context(), tenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

// GetOutboxEvent handles GET /v1/outbox/{id}.
func (s *APIServer) GetOutboxEvent(w http.ResponseWriter, r *http.Request) {
	row, err := s.outbox.GetEvent(r.Context(), tenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, row)
}

// RequeueOutboxEvent handles POST /v1/outbox/{id}/requeue.
func (s *APIServer) RequeueOutboxEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.outbox.Requeue(r.Context(), tenantID(r.Context()), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetTrialBalance handles GET /v1/trial-balance?as_of=YYYY-MM-DD&currency=EUR.
func (s *APIServer) GetTrialBalance(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var tb *model.TrialBalance
	if currency := r.URL.Query().Get("currency"); currency != "" {
		tb, err = s.projection.GetTrialBalanceIn(r.Context(), tenantID(r.Context()), asOf, currency)
	} else {
		tb, err = s.projection.GetTrialBalance(r.Context(), tenantID(r.Context()), asOf)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, tb)
}

// Materialize handles POST /v1/projection/materialize?as_of=.
func (s *APIServer) Materialize(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	health, err := s.projection.Materialize(r.Context(), tenantID(r.Context()), asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, health)
}

// Rebuild handles POST /v1/projection/rebuild?as_of=.
func (s *APIServer) Rebuild(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	health, err := s.projection.Rebuild(r.Context(), tenantID(r.Context()), asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, health)
}

// VerifyParity handles GET /v1/projection/parity?as_of=.
func (s *APIServer) VerifyParity(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.projection.VerifyProjectionParity(r.Context(), tenantID(r.Context()), asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// ProjectionHealth handles GET /v1/projection/health.
func (s *APIServer) ProjectionHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.projection.CheckHealth(r.Context(), tenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

type openPeriodRequest struct {
	PeriodID  string `json:"period_id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// OpenPeriod handles POST /v1/periods.
func (s *APIServer) OpenPeriod(w http.ResponseWriter, r *http.Request) {
	var req openPeriodRequest
	if !s.decode(w, r, &req) {
		return
	}

	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := parseDate("end_date", req.EndDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	period, err := s.periods.OpenPeriod(r.Context(), &model.OpenPeriodParams{
		TenantID:  tenantID(r.Context()),
		PeriodID:  req.PeriodID,
		Name:      req.Name,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, period)
}

// ListPeriods handles GET /v1/periods.
func (s *APIServer) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := s.periods.ListPeriods(r.Context(), tenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, periods)
}

// GetPeriod handles GET /v1/periods/{id}.
func (s *APIServer) GetPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := s.periods.GetPeriod(r.Context(), tenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, period)
}

type closePeriodRequest struct {
	ClosedBy string `json:"closed_by"`
	model.CloseOptions
}

// ClosePeriod handles POST /v1/periods/{id}/close.
func (s *APIServer) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	var req closePeriodRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.periods.ClosePeriod(r.Context(), tenantID(r.Context()), r.PathValue("id"), req.ClosedBy, req.CloseOptions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// ReopenPeriod handles POST /v1/periods/{id}/reopen.
func (s *APIServer) ReopenPeriod(w http.ResponseWriter, r *http.Request) {
	var params model.ReopenParams
	if !s.decode(w, r, &params) {
		return
	}
	params.TenantID = tenantID(r.Context())
	params.PeriodID = r.PathValue("id")

	period, err := s.periods.ReopenPeriod(r.Context(), &params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, period)
}

// GetSnapshot handles GET /v1/snapshots/{id}.
func (s *APIServer) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.periods.GetSnapshot(r.Context(), tenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

// VerifySnapshot handles GET /v1/snapshots/{id}/verify.
func (s *APIServer) VerifySnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.periods.VerifySnapshot(r.Context(), tenantID(r.Context()), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// ExportSnapshot handles GET /v1/snapshots/{id}/export and streams an XLSX workbook.
// The workbook is buffered first so a failed verification still yields a JSON error.
func (s *APIServer) ExportSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var buf bytes.Buffer
	if err := s.periods.ExportSnapshot(r.Context(), &buf, tenantID(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set(contentTypeJSON, applicationXLSX)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="snapshot-%s.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, &buf); err != nil {
		logger.FromContext(r.Context(), s.logger).Warn("failed to write export", slog.String("error", err.Error()))
	}
}

// ListAudit handles GET /v1/audit?limit=.
func (s *APIServer) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := int64Query(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	records, err := s.periods.ListAudit(r.Context(), tenantID(r.Context()), int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, records)
}

// HealthCheck handles GET /health endpoint for service health check.
func (s *APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyCheck handles GET /ready and pings storage.
func (s *APIServer) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RecentMetrics returns the values this process has emitted since start.
func (s *APIServer) RecentMetrics(w http.ResponseWriter, r *http.Request) {
	if s.recent == nil {
		s.writeError(w, r, fmt.Errorf("%w: metrics are not recorded in this process", model.ErrNotFound))
		return
	}

	s.writeJSON(w, http.StatusOK, s.recent.Snapshot())
}

func (s *APIServer) asOf(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return s.now(), nil
	}

	return parseDate("as_of", raw)
}

func (s *APIServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid JSON: %v", model.ErrInvalidArgument, err))
		return false
	}

	return true
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}

type errorResponse struct {
	Error    string          `json:"error"`
	Code     string          `json:"code"`
	Findings []model.Finding `json:"findings,omitempty"`
}

func (s *APIServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := errorResponse{Error: err.Error(), Code: code}

	var verr *model.PeriodCloseValidationError
	if errors.As(err, &verr) {
		resp.Findings = verr.Findings
	}

	log := logger.FromContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	} else {
		log.Debug("request rejected", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}

	s.writeJSON(w, status, resp)
}

// classify maps domain errors onto HTTP statuses.
func classify(err error) (int, string) {
	var (
		concurrency *model.ConcurrencyError
		idempotency *model.IdempotencyConflictError
		validation  *model.PeriodCloseValidationError
		checksum    *model.ChecksumMismatchError
		maxBytes    *http.MaxBytesError
	)

	switch {
	case errors.As(err, &concurrency):
		return http.StatusConflict, "concurrency_conflict"
	case errors.As(err, &idempotency):
		return http.StatusConflict, "idempotency_conflict"
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, "period_close_rejected"
	case errors.As(err, &checksum):
		return http.StatusConflict, "checksum_mismatch"
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, model.ErrSeparationOfDuties):
		return http.StatusForbidden, "separation_of_duties"
	case errors.Is(err, model.ErrPeriodClosed):
		return http.StatusConflict, "period_closed"
	case errors.Is(err, model.ErrPeriodNotClosed), errors.Is(err, model.ErrPeriodNotOpen):
		return http.StatusConflict, "period_state"
	case errors.Is(err, model.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, model.ErrStaleWrite):
		return http.StatusConflict, "stale_write"
	case errors.Is(err, model.ErrLockNotAcquired):
		return http.StatusServiceUnavailable, "lock_not_acquired"
	case errors.Is(err, fx.ErrRateUnavailable):
		return http.StatusServiceUnavailable, "rate_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func int64Query(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}

	v, err := strconv.ParseInt(raw, decimalBase, int64BitSize)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", model.ErrInvalidArgument, name)
	}

	return v, nil
}

func parseDate(name, raw string) (time.Time, error) {
	t, err := time.Parse(model.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", model.ErrInvalidArgument, name)
	}

	return t, nil
}
