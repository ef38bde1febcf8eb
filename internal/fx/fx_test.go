package fx

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jnst/ledger-core/internal/logger"
)

var day = time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return day }

func TestRateConvert(t *testing.T) {
	tests := []struct {
		name  string
		rate  Rate
		minor int64
		want  int64
	}{
		{"same exponent", Rate{Base: "USD", Quote: "EUR", Value: big.NewRat(92, 100)}, 10000, 9200},
		{"round half away", Rate{Base: "USD", Quote: "EUR", Value: big.NewRat(1, 2)}, -3, -2},
		{"to zero exponent", Rate{Base: "USD", Quote: "JPY", Value: big.NewRat(150, 1)}, 1234, 1851},
		{"to three exponent", Rate{Base: "USD", Quote: "KWD", Value: big.NewRat(3, 10)}, 100, 300},
	}

	for _, tt := range tests {
		if got := tt.rate.Convert(tt.minor); got != tt.want {
			t.Errorf("%s: Convert(%d) = %d, want %d", tt.name, tt.minor, got, tt.want)
		}
	}
}

func TestParseStaticDerivesInverse(t *testing.T) {
	s, err := ParseStatic("usd/eur=0.8", fixedNow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	r, err := s.Spot(context.Background(), "EUR", "USD")
	if err != nil {
		t.Fatalf("spot: %v", err)
	}
	if r.Value.Cmp(big.NewRat(5, 4)) != 0 {
		t.Fatalf("expected inverse 1.25, got %s", r.Value.FloatString(4))
	}

	if _, err := ParseStatic("USD-EUR", fixedNow); err == nil {
		t.Fatalf("expected parse error")
	}
}

type failingProvider struct{}

var errDown = errors.New("provider down")

func (failingProvider) Spot(context.Context, string, string) (Rate, error) { return Rate{}, errDown }
func (failingProvider) Forward(context.Context, string, string, time.Time) (Rate, error) {
	return Rate{}, errDown
}
func (failingProvider) Historical(context.Context, string, string, time.Time) (Rate, error) {
	return Rate{}, errDown
}

func TestFallbackMarksLowReliability(t *testing.T) {
	defaults, err := ParseStatic("USD/EUR=0.9", fixedNow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := NewFallback(failingProvider{}, defaults, logger.Discard())

	r, err := f.Historical(context.Background(), "USD", "EUR", day)
	if err != nil {
		t.Fatalf("historical: %v", err)
	}
	if r.Reliability != ReliabilityLow {
		t.Fatalf("expected low reliability, got %q", r.Reliability)
	}
}

func TestFallbackWithoutDefaultFails(t *testing.T) {
	defaults, _ := ParseStatic("", fixedNow)
	f := NewFallback(failingProvider{}, defaults, logger.Discard())

	_, err := f.Spot(context.Background(), "USD", "GBP")
	if !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestFallbackIdentity(t *testing.T) {
	f := NewFallback(failingProvider{}, nil, logger.Discard())

	r, err := f.Spot(context.Background(), "usd", "USD")
	if err != nil || r.Reliability != ReliabilityHigh || r.Value.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("expected identity rate, got %+v, %v", r, err)
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("kind") != "historical" || q.Get("date") != "2026-09-30" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if q.Get("quote") == "XXX" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"rate":"0.9125","as_of":"2026-09-30T00:00:00Z"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)

	r, err := p.Historical(context.Background(), "usd", "eur", day)
	if err != nil {
		t.Fatalf("historical: %v", err)
	}
	if r.Value.Cmp(big.NewRat(9125, 10000)) != 0 || r.Reliability != ReliabilityHigh {
		t.Fatalf("unexpected rate %+v", r)
	}

	if _, err := p.Historical(context.Background(), "USD", "XXX", day); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}
