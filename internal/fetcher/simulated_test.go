package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSimulatedVariation(t *testing.T) {
	base := decimal.NewFromInt(4000)
	at := func(hour int) func() time.Time {
		return func() time.Time { return time.Date(2025, 1, 1, hour, 0, 0, 0, time.UTC) }
	}

	cases := map[int]string{
		0:  "4000",
		6:  "4120",
		12: "4000",
		18: "3880",
	}
	for hour, want := range cases {
		src := NewSimulated(SimulatedOptions{Base: base, Amplitude: 0.03, Now: at(hour)})
		rate, err := src.FetchRate(context.Background())
		if err != nil {
			t.Fatalf("hour %d: %v", hour, err)
		}
		if rate.String() != want {
			t.Fatalf("hour %d: expected %s, got %s", hour, want, rate)
		}
	}
}

func TestSimulatedRequiresBase(t *testing.T) {
	src := NewSimulated(SimulatedOptions{})
	if _, err := src.FetchRate(context.Background()); err == nil {
		t.Fatal("zero base should fail")
	}
	if !src.Simulated() {
		t.Fatal("simulated source should report itself as simulated")
	}
}
