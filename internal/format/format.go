// Package format renders amounts for display using the Colombian locale:
// "." groups thousands and "," separates decimals.
package format

import (
	"strings"

	"github.com/shopspring/decimal"

	"celo-onramp/internal/money"
)

var hundred = decimal.NewFromInt(100)

// Number formats v with the given number of decimals. Values whose magnitude
// is at least 100 are shown without decimals.
func Number(v decimal.Decimal, decimals int32) string {
	if decimals < 0 {
		decimals = 0
	}
	if v.Abs().GreaterThanOrEqual(hundred) {
		decimals = 0
	}

	fixed := v.StringFixed(decimals)
	negative := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")

	intPart, fracPart, _ := strings.Cut(fixed, ".")
	out := groupThousands(intPart)
	if fracPart != "" {
		out += "," + fracPart
	}
	if negative && strings.Trim(out, "0.,") != "" {
		out = "-" + out
	}
	return out
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// COP formats a peso amount, e.g. $100.000.
func COP(v decimal.Decimal) string {
	return "$" + Number(v, money.COPPlaces)
}

// CELO formats a CELO amount with six decimals.
func CELO(v decimal.Decimal) string {
	return Number(v, money.AssetPlaces) + " CELO"
}

// CCOP formats a cCOP amount.
func CCOP(v decimal.Decimal) string {
	return Number(v, money.COPPlaces) + " cCOP"
}

// USD formats dollars the way the quote screen shows them: $25.00 USD.
func USD(v decimal.Decimal) string {
	return "$" + v.StringFixed(money.USDPlaces) + " USD"
}

// RateLine renders a COP/USD rate as "1 USD = 4.000 COP".
func RateLine(copPerUSD decimal.Decimal) string {
	return "1 USD = " + Number(copPerUSD, money.COPPlaces) + " COP"
}
