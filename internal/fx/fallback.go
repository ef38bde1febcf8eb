package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Fallback asks the primary provider first and, when it fails, the internal default table.
// Rates served from the defaults are marked ReliabilityLow. With no default the call fails.
type Fallback struct {
	primary  RateProvider
	defaults RateProvider
	logger   *slog.Logger
}

// NewFallback builds a Fallback. primary may be nil when no external provider is configured.
func NewFallback(primary, defaults RateProvider, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, defaults: defaults, logger: logger}
}

// Spot returns the spot rate.
func (f *Fallback) Spot(ctx context.Context, base, quote string) (Rate, error) {
	return f.resolve(ctx, base, quote, func(p RateProvider) (Rate, error) {
		return p.Spot(ctx, base, quote)
	})
}

// Forward returns the forward rate for the settlement date.
func (f *Fallback) Forward(ctx context.Context, base, quote string, settlement time.Time) (Rate, error) {
	return f.resolve(ctx, base, quote, func(p RateProvider) (Rate, error) {
		return p.Forward(ctx, base, quote, settlement)
	})
}

// Historical returns the rate in effect on the given date.
func (f *Fallback) Historical(ctx context.Context, base, quote string, on time.Time) (Rate, error) {
	return f.resolve(ctx, base, quote, func(p RateProvider) (Rate, error) {
		return p.Historical(ctx, base, quote, on)
	})
}

func (f *Fallback) resolve(ctx context.Context, base, quote string, get func(RateProvider) (Rate, error)) (Rate, error) {
	if Normalize(base) == Normalize(quote) {
		return identity(Normalize(base), time.Time{}), nil
	}

	var primaryErr error
	if f.primary != nil {
		r, err := get(f.primary)
		if err == nil {
			return r, nil
		}
		primaryErr = err

		f.logger.WarnContext(ctx, "fx provider failed, using internal default",
			slog.String("pair", base+"/"+quote),
			slog.String("error", err.Error()),
		)
	}

	if f.defaults == nil {
		return Rate{}, errors.Join(primaryErr, unavailable(base, quote))
	}

	r, err := get(f.defaults)
	if err != nil {
		if primaryErr != nil {
			return Rate{}, fmt.Errorf("provider: %v; default: %w", primaryErr, err)
		}
		return Rate{}, err
	}

	r.Reliability = ReliabilityLow
	r.Source = "internal_default"

	return r, nil
}
