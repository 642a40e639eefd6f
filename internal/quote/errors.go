package quote

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError reports a malformed quote request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// AmountBelowMinimumError carries the USD equivalent the caller asked for
// and the minimum for the payment rail, both at 2 decimals.
type AmountBelowMinimumError struct {
	Provided      decimal.Decimal
	Minimum       decimal.Decimal
	PaymentMethod string
}

func (e *AmountBelowMinimumError) Error() string {
	return fmt.Sprintf("amount %s USD is below the %s USD minimum for %s",
		e.Provided.StringFixed(2), e.Minimum.StringFixed(2), e.PaymentMethod)
}
