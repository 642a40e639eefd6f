package format

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNumber(t *testing.T) {
	cases := []struct {
		in       string
		decimals int32
		want     string
	}{
		{"0", 0, "0"},
		{"999", 2, "999"},
		{"1000", 0, "1.000"},
		{"100000", 0, "100.000"},
		{"1234567.89", 2, "1.234.568"},
		{"12.5", 2, "12,50"},
		{"6.25", 6, "6,250000"},
		{"99.999", 2, "100,00"},
		{"-4500", 0, "-4.500"},
		{"-0.001", 2, "0,00"},
	}
	for _, tc := range cases {
		got := Number(decimal.RequireFromString(tc.in), tc.decimals)
		if got != tc.want {
			t.Errorf("Number(%s, %d) = %q, want %q", tc.in, tc.decimals, got, tc.want)
		}
	}
}

func TestCurrencyHelpers(t *testing.T) {
	if got := COP(decimal.NewFromInt(100000)); got != "$100.000" {
		t.Fatalf("COP = %q", got)
	}
	if got := CELO(decimal.RequireFromString("12.345678")); got != "12,345678 CELO" {
		t.Fatalf("CELO = %q", got)
	}
	if got := CCOP(decimal.NewFromInt(2500)); got != "2.500 cCOP" {
		t.Fatalf("CCOP = %q", got)
	}
	if got := USD(decimal.NewFromInt(25)); got != "$25.00 USD" {
		t.Fatalf("USD = %q", got)
	}
	if got := RateLine(decimal.NewFromInt(4000)); got != "1 USD = 4.000 COP" {
		t.Fatalf("RateLine = %q", got)
	}
}
