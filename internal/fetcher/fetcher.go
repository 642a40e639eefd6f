package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// RateSource retrieves a single positive rate from a price feed.
type RateSource interface {
	Name() string
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}

// Simulator is implemented by sources that derive rates from configuration
// rather than a live feed.
type Simulator interface {
	Simulated() bool
}
