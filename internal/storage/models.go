package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateObservation is one successfully fetched rate.
type RateObservation struct {
	ObservedAt time.Time
	Pair       string
	Network    string
	Rate       decimal.Decimal
	Source     string
	CreatedAt  time.Time
}
