package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestMemoryFailNext(t *testing.T) {
	m := NewMemory()
	boom := errors.New("broker down")
	m.FailNext(2, boom)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Publish(ctx, Message{ID: "o1"}); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected failure, got %v", i, err)
		}
	}
	if err := m.Publish(ctx, Message{ID: "o1"}); err != nil {
		t.Fatalf("expected success after failures, got %v", err)
	}
	if got := len(m.Messages()); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
}

func TestStreamKey(t *testing.T) {
	if got := StreamKey("ledger", "journal.entry.posted"); got != "ledger:journal.entry.posted" {
		t.Fatalf("unexpected stream key %q", got)
	}
	if got := StreamKey("", "period.closed"); got != "period.closed" {
		t.Fatalf("unexpected stream key %q", got)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers([]string{"k1:9092, k2:9092", "", " k3:9092 "})
	if len(got) != 3 || got[1] != "k2:9092" || got[2] != "k3:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectTraceHeaders(ctx, []kafka.Header{{Key: "event_id", Value: []byte("e1")}})
	if HeaderValue(headers, "traceparent") == "" {
		t.Fatalf("expected traceparent header, got %+v", headers)
	}
	if HeaderValue(headers, "event_id") != "e1" {
		t.Fatalf("expected event_id header to survive")
	}
}
