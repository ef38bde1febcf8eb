package fx

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Static serves configured rates. It is the internal default table used when the
// external provider fails. Inverse pairs are derived.
type Static struct {
	rates  map[string]*big.Rat
	source string
	now    func() time.Time
}

// ParseStatic parses "USD/EUR=0.92,GBP/USD=1.27".
func ParseStatic(spec string, now func() time.Time) (*Static, error) {
	s := &Static{rates: make(map[string]*big.Rat), source: "static", now: now}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		pair, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid fx rate entry %q", part)
		}
		base, quote, ok := strings.Cut(pair, "/")
		if !ok {
			return nil, fmt.Errorf("invalid fx pair %q", pair)
		}

		r, ok := new(big.Rat).SetString(strings.TrimSpace(value))
		if !ok || r.Sign() <= 0 {
			return nil, fmt.Errorf("invalid fx rate %q for %s", value, pair)
		}

		s.Set(base, quote, r)
	}

	return s, nil
}

// Set stores base/quote and its inverse.
func (s *Static) Set(base, quote string, value *big.Rat) {
	base, quote = Normalize(base), Normalize(quote)
	s.rates[base+"/"+quote] = value
	if _, ok := s.rates[quote+"/"+base]; !ok {
		s.rates[quote+"/"+base] = new(big.Rat).Inv(value)
	}
}

// Len returns the number of stored pairs including derived inverses.
func (s *Static) Len() int {
	return len(s.rates)
}

func (s *Static) lookup(base, quote string, at time.Time) (Rate, error) {
	base, quote = Normalize(base), Normalize(quote)
	if base == quote {
		return identity(base, at), nil
	}

	v, ok := s.rates[base+"/"+quote]
	if !ok {
		return Rate{}, unavailable(base, quote)
	}

	return Rate{Base: base, Quote: quote, Value: v, AsOf: at, Source: s.source, Reliability: ReliabilityHigh}, nil
}

// Spot returns the configured rate.
func (s *Static) Spot(_ context.Context, base, quote string) (Rate, error) {
	return s.lookup(base, quote, s.now())
}

// Forward returns the configured rate; the table has no term structure.
func (s *Static) Forward(_ context.Context, base, quote string, settlement time.Time) (Rate, error) {
	return s.lookup(base, quote, settlement)
}

// Historical returns the configured rate for any date.
func (s *Static) Historical(_ context.Context, base, quote string, on time.Time) (Rate, error) {
	return s.lookup(base, quote, on)
}
