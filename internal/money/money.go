package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency identifies a fiat currency handled by the onramp.
type Currency string

const (
	COP Currency = "COP"
	USD Currency = "USD"
)

// Asset identifies an on-chain asset.
type Asset string

const (
	CELO Asset = "CELO"
	CCOP Asset = "cCOP"
)

// Pair is a currency pair quoted as Quote units per one Base unit.
type Pair struct {
	Base  Currency
	Quote Currency
}

// USDCOP is the pair used throughout the service: pesos per dollar.
var USDCOP = Pair{Base: USD, Quote: COP}

func (p Pair) String() string {
	return string(p.Base) + "/" + string(p.Quote)
}

// Precision per unit kind.
const (
	COPPlaces   int32 = 0
	USDPlaces   int32 = 2
	AssetPlaces int32 = 6
)

var (
	// ErrNonPositiveRate is returned when a conversion is attempted with rate <= 0.
	ErrNonPositiveRate = errors.New("money: rate must be positive")
	// ErrPairMismatch is returned when the currencies do not belong to the pair.
	ErrPairMismatch = errors.New("money: currencies do not match pair")
)

// Convert moves amount between the two sides of pair using rate (quote per base).
// No rounding is applied.
func Convert(amount decimal.Decimal, from, to Currency, pair Pair, rate decimal.Decimal) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, ErrNonPositiveRate
	}
	switch {
	case from == pair.Base && to == pair.Quote:
		return amount.Mul(rate), nil
	case from == pair.Quote && to == pair.Base:
		return amount.Div(rate), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %s->%s for %s", ErrPairMismatch, from, to, pair)
	}
}

// RoundCOP rounds to whole pesos.
func RoundCOP(d decimal.Decimal) decimal.Decimal { return d.Round(COPPlaces) }

// RoundUSD rounds to cents.
func RoundUSD(d decimal.Decimal) decimal.Decimal { return d.Round(USDPlaces) }

// RoundAsset rounds to the crypto display precision.
func RoundAsset(d decimal.Decimal) decimal.Decimal { return d.Round(AssetPlaces) }
