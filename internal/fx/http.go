package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jnst/ledger-core/internal/model"
)

// HTTPProvider reads rates from a JSON rate service:
// GET {base}/rates?kind=spot|forward|historical&base=USD&quote=EUR[&date=YYYY-MM-DD] -> {"rate":"0.92","as_of":"..."}.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds a provider with a traced client.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type rateResponse struct {
	Rate string    `json:"rate"`
	AsOf time.Time `json:"as_of"`
}

// Spot returns the current rate.
func (p *HTTPProvider) Spot(ctx context.Context, base, quote string) (Rate, error) {
	return p.fetch(ctx, "spot", base, quote, time.Time{})
}

// Forward returns the forward rate for settlement.
func (p *HTTPProvider) Forward(ctx context.Context, base, quote string, settlement time.Time) (Rate, error) {
	return p.fetch(ctx, "forward", base, quote, settlement)
}

// Historical returns the rate in effect on the date.
func (p *HTTPProvider) Historical(ctx context.Context, base, quote string, on time.Time) (Rate, error) {
	return p.fetch(ctx, "historical", base, quote, on)
}

func (p *HTTPProvider) fetch(ctx context.Context, kind, base, quote string, date time.Time) (Rate, error) {
	base, quote = Normalize(base), Normalize(quote)

	q := url.Values{}
	q.Set("kind", kind)
	q.Set("base", base)
	q.Set("quote", quote)
	if !date.IsZero() {
		q.Set("date", date.Format(model.DateLayout))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/rates?"+q.Encode(), nil)
	if err != nil {
		return Rate{}, fmt.Errorf("build fx request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Rate{}, fmt.Errorf("fx request %s/%s: %w", base, quote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Rate{}, unavailable(base, quote)
	}
	if resp.StatusCode != http.StatusOK {
		return Rate{}, fmt.Errorf("fx request %s/%s: unexpected status %d", base, quote, resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Rate{}, fmt.Errorf("decode fx response: %w", err)
	}

	v, ok := new(big.Rat).SetString(body.Rate)
	if !ok || v.Sign() <= 0 {
		return Rate{}, fmt.Errorf("fx response %s/%s: invalid rate %q", base, quote, body.Rate)
	}

	asOf := body.AsOf
	if asOf.IsZero() {
		asOf = date
	}

	return Rate{Base: base, Quote: quote, Value: v, AsOf: asOf, Source: p.baseURL, Reliability: ReliabilityHigh}, nil
}
