package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/logger"
)

const (
	headerTenantID       = "X-Tenant-ID"
	headerCorrelationID  = "X-Correlation-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

type tenantKey struct{}

func tenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// withCorrelationID propagates X-Correlation-ID, minting one when absent.
func withCorrelationID(ids idgen.Generator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
		if id == "" {
			id = ids.NewID()
		}
		w.Header().Set(headerCorrelationID, id)

		next.ServeHTTP(w, r.WithContext(logger.WithCorrelationID(r.Context(), id)))
	})
}

// withTenant requires X-Tenant-ID on /v1 routes.
func withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		tenant := strings.TrimSpace(r.Header.Get(headerTenantID))
		if tenant == "" {
			http.Error(w, headerTenantID+" header is required", http.StatusBadRequest)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withAccessLog logs one line per request.
func withAccessLog(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.FromContext(r.Context(), log).Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func newCORS(origins string) *cors.Cors {
	allowed := make([]string, 0)
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}

	return cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", headerTenantID, headerCorrelationID, headerIdempotencyKey},
		ExposedHeaders: []string{headerCorrelationID},
	})
}

// handler chains the middleware around the routes.
func (s *APIServer) handler(ids idgen.Generator, corsOrigins string) http.Handler {
	var h http.Handler = s.Routes()
	h = withTenant(h)
	h = withAccessLog(s.logger, h)
	h = withCorrelationID(ids, h)

	return newCORS(corsOrigins).Handler(h)
}
