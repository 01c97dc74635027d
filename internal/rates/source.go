package rates

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Quote is a priced conversion offer from the FX source. The fee is the
// platform spread already computed on the source amount; Rate is the
// mid-market rate the quote guarantees for its validity window.
type Quote struct {
	Rate            decimal.Decimal
	FeeMicros       int64
	ValiditySeconds int
}

// Source supplies FX pricing. GetQuote prices a concrete amount,
// GetCurrentRate is the lightweight poll used by the rate monitor.
type Source interface {
	GetQuote(ctx context.Context, sourceMicros int64, fromCurrency, toCurrency string) (*Quote, error)
	GetCurrentRate(ctx context.Context, fromCurrency, toCurrency string) (decimal.Decimal, error)
}

const (
	defaultSpreadBps       = 50
	defaultValiditySeconds = 300
)

// StaticSource is an in-process Source backed by a fixed rate table. It
// backs tests and local development; SetRate mutates the table so a test
// can replay a sequence of market observations.
type StaticSource struct {
	mu     sync.Mutex
	rates  map[string]decimal.Decimal
	spread int64
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		rates: map[string]decimal.Decimal{
			"USD/INR": decimal.RequireFromString("83.50"),
			"USD/EUR": decimal.RequireFromString("0.92"),
			"USD/GBP": decimal.RequireFromString("0.79"),
			"USD/NGN": decimal.RequireFromString("1545.00"),
			"EUR/USD": decimal.RequireFromString("1.09"),
			"GBP/USD": decimal.RequireFromString("1.27"),
		},
		spread: defaultSpreadBps,
	}
}

func pairKey(from, to string) string {
	return from + "/" + to
}

// SetRate overrides the rate for a pair.
func (s *StaticSource) SetRate(fromCurrency, toCurrency string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pairKey(fromCurrency, toCurrency)] = rate
}

func (s *StaticSource) GetQuote(ctx context.Context, sourceMicros int64, fromCurrency, toCurrency string) (*Quote, error) {
	rate, err := s.GetCurrentRate(ctx, fromCurrency, toCurrency)
	if err != nil {
		return nil, err
	}
	fee := sourceMicros * s.spread / 10000
	return &Quote{
		Rate:            rate,
		FeeMicros:       fee,
		ValiditySeconds: defaultValiditySeconds,
	}, nil
}

func (s *StaticSource) GetCurrentRate(ctx context.Context, fromCurrency, toCurrency string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate, ok := s.rates[pairKey(fromCurrency, toCurrency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate for pair %s", pairKey(fromCurrency, toCurrency))
	}
	return rate, nil
}
