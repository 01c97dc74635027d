package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTimeout = 10 * time.Second

// HTTPSource fetches FX pricing from the rates service's REST API.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSource{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type quoteResponse struct {
	Rate            string `json:"rate"`
	FeeMicros       int64  `json:"fee_micros"`
	ValiditySeconds int    `json:"validity_seconds"`
}

type rateResponse struct {
	Rate string `json:"rate"`
}

func (s *HTTPSource) GetQuote(ctx context.Context, sourceMicros int64, fromCurrency, toCurrency string) (*Quote, error) {
	q := url.Values{}
	q.Set("from", fromCurrency)
	q.Set("to", toCurrency)
	q.Set("amount_micros", strconv.FormatInt(sourceMicros, 10))

	var out quoteResponse
	if err := s.getJSON(ctx, "/v1/quotes?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	rate, err := decimal.NewFromString(out.Rate)
	if err != nil {
		return nil, fmt.Errorf("parse quoted rate %q: %w", out.Rate, err)
	}
	return &Quote{
		Rate:            rate,
		FeeMicros:       out.FeeMicros,
		ValiditySeconds: out.ValiditySeconds,
	}, nil
}

func (s *HTTPSource) GetCurrentRate(ctx context.Context, fromCurrency, toCurrency string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("from", fromCurrency)
	q.Set("to", toCurrency)

	var out rateResponse
	if err := s.getJSON(ctx, "/v1/rates?"+q.Encode(), &out); err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(out.Rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse current rate %q: %w", out.Rate, err)
	}
	return rate, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rates request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("rates service returned %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rates response: %w", err)
	}
	return nil
}
