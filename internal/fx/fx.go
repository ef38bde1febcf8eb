// Package fx supplies exchange rates for reporting-currency conversion of trial balances.
package fx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jnst/ledger-core/internal/model"
)

// Rate reliabilities.
const (
	ReliabilityHigh = "high"
	ReliabilityLow  = "low"
)

// ErrRateUnavailable is returned when no rate exists for a currency pair.
var ErrRateUnavailable = errors.New("fx rate unavailable")

// Rate converts one unit of Base into Value units of Quote.
type Rate struct {
	Base        string
	Quote       string
	Value       *big.Rat
	AsOf        time.Time
	Source      string
	Reliability string
}

// RateProvider is the injected source of exchange rates.
type RateProvider interface {
	Spot(ctx context.Context, base, quote string) (Rate, error)
	Forward(ctx context.Context, base, quote string, settlement time.Time) (Rate, error)
	Historical(ctx context.Context, base, quote string, on time.Time) (Rate, error)
}

// Convert converts minor units of r.Base into minor units of r.Quote, rounding half away from zero.
func (r Rate) Convert(minor int64) int64 {
	v := new(big.Rat).SetInt64(minor)
	v.Mul(v, r.Value)

	shift := model.CurrencyExponent(r.Quote) - model.CurrencyExponent(r.Base)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(shift))), nil))
	if shift >= 0 {
		v.Mul(v, scale)
	} else {
		v.Quo(v, scale)
	}

	return roundHalfAway(v)
}

func identity(currency string, at time.Time) Rate {
	return Rate{
		Base:        currency,
		Quote:       currency,
		Value:       big.NewRat(1, 1),
		AsOf:        at,
		Source:      "identity",
		Reliability: ReliabilityHigh,
	}
}

// Normalize upper-cases and trims an ISO currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func roundHalfAway(v *big.Rat) int64 {
	num := new(big.Int).Set(v.Num())
	den := v.Denom()

	neg := num.Sign() < 0
	num.Abs(num)

	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(r, big.NewInt(2)).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if neg {
		q.Neg(q)
	}

	return q.Int64()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}

	return v
}

func unavailable(base, quote string) error {
	return fmt.Errorf("%w: %s/%s", ErrRateUnavailable, base, quote)
}
