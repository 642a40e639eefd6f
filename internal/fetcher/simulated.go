package fetcher

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// SimulatedOptions configure the placeholder intraday rate.
type SimulatedOptions struct {
	Base      decimal.Decimal
	Amplitude float64
	Location  *time.Location
	Now       func() time.Time
}

// Simulated derives a rate from a configured base with a sinusoidal
// hour-of-day variation. It stands in for a real oracle.
type Simulated struct {
	opts SimulatedOptions
}

// NewSimulated constructs a simulated source.
func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Amplitude < 0 {
		opts.Amplitude = -opts.Amplitude
	}
	if opts.Amplitude >= 1 {
		opts.Amplitude = 0.99
	}
	return &Simulated{opts: opts}
}

// Name identifies the source.
func (s *Simulated) Name() string { return "simulated" }

// Simulated reports that rates come from configuration.
func (s *Simulated) Simulated() bool { return true }

// FetchRate returns base * (1 + amplitude * sin(2π * hour / 24)) in whole units.
func (s *Simulated) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Decimal{}, err
	}
	if !s.opts.Base.IsPositive() {
		return decimal.Decimal{}, errors.New("simulated base rate must be positive")
	}

	hour := s.opts.Now().In(s.opts.Location).Hour()
	variation := math.Sin(float64(hour)/24*2*math.Pi) * s.opts.Amplitude
	rate := s.opts.Base.Mul(decimal.NewFromFloat(1 + variation)).Round(0)
	if !rate.IsPositive() {
		return decimal.Decimal{}, errors.New("simulated rate rounded to zero")
	}
	return rate, nil
}

var (
	_ RateSource = (*Simulated)(nil)
	_ Simulator  = (*Simulated)(nil)
)
