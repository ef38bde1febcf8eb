// Package metrics emits named numeric measurements for the projection and outbox workers.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	ProjectionLagSeconds        = "projection_lag_seconds"
	ProjectionChecksumsMismatch = "projection_checksums_mismatch"
	ProjectionParityDelta       = "projection_parity_delta"
	OutboxPublishedTotal        = "outbox_published_total"
	OutboxRetryTotal            = "outbox_retry_total"
	OutboxFailedTotal           = "outbox_failed_total"
	OutboxRecoveredTotal        = "outbox_recovered_total"
)

// Sink receives gauge and counter emissions.
type Sink interface {
	Gauge(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)
	Count(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue)
}

// OTelSink records emissions on an OpenTelemetry meter. Instruments are created lazily by name.
type OTelSink struct {
	meter metric.Meter

	mu       sync.Mutex
	gauges   map[string]metric.Float64Gauge
	counters map[string]metric.Int64Counter
}

// NewOTelSink uses the global meter provider.
func NewOTelSink(instrumentation string) *OTelSink {
	return &OTelSink{
		meter:    otel.Meter(instrumentation),
		gauges:   make(map[string]metric.Float64Gauge),
		counters: make(map[string]metric.Int64Counter),
	}
}

// Gauge records the current value of name.
func (s *OTelSink) Gauge(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		var err error
		g, err = s.meter.Float64Gauge(name)
		if err != nil {
			s.mu.Unlock()
			return
		}
		s.gauges[name] = g
	}
	s.mu.Unlock()

	g.Record(ctx, value, metric.WithAttributes(attrs...))
}

// Count adds delta to the counter name.
func (s *OTelSink) Count(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue) {
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		var err error
		c, err = s.meter.Int64Counter(name)
		if err != nil {
			s.mu.Unlock()
			return
		}
		s.counters[name] = c
	}
	s.mu.Unlock()

	c.Add(ctx, delta, metric.WithAttributes(attrs...))
}

// Memory keeps the last gauge value and counter totals in memory. Used by tests and the operations API.
type Memory struct {
	mu       sync.Mutex
	gauges   map[string]float64
	counters map[string]int64
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{gauges: make(map[string]float64), counters: make(map[string]int64)}
}

// Gauge stores value under name.
func (m *Memory) Gauge(_ context.Context, name string, value float64, _ ...attribute.KeyValue) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// Count adds delta to name.
func (m *Memory) Count(_ context.Context, name string, delta int64, _ ...attribute.KeyValue) {
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

// GaugeValue returns the last value recorded for name.
func (m *Memory) GaugeValue(name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.gauges[name]
	return v, ok
}

// Counter returns the total for name.
func (m *Memory) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.counters[name]
}

// Snapshot is a point-in-time copy of the recorded values.
type Snapshot struct {
	Gauges   map[string]float64 `json:"gauges"`
	Counters map[string]int64   `json:"counters"`
}

// Snapshot copies the current gauges and counters.
func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{
		Gauges:   make(map[string]float64, len(m.gauges)),
		Counters: make(map[string]int64, len(m.counters)),
	}
	for k, v := range m.gauges {
		out.Gauges[k] = v
	}
	for k, v := range m.counters {
		out.Counters[k] = v
	}

	return out
}

// Fanout forwards every emission to each sink.
type Fanout []Sink

// Gauge forwards to every sink.
func (f Fanout) Gauge(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	for _, s := range f {
		s.Gauge(ctx, name, value, attrs...)
	}
}

// Count forwards to every sink.
func (f Fanout) Count(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue) {
	for _, s := range f {
		s.Count(ctx, name, delta, attrs...)
	}
}
