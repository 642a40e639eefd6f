package pricing

import "errors"

var (
	// ErrRateUnavailable means every tier failed to produce a rate.
	ErrRateUnavailable = errors.New("pricing: exchange rate unavailable")
	// ErrUnsupportedNetwork means no base rate is configured for the network.
	ErrUnsupportedNetwork = errors.New("pricing: unsupported network")
)
