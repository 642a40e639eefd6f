package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	now := time.Date(2025, 3, 1, 12, 3, 10, 0, time.UTC)
	if got, want := s.NextTick(now), time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	onBoundary := time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC)
	if got, want := s.NextTick(onBoundary), time.Date(2025, 3, 1, 12, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := s.BucketStart(now); !got.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bucket start %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 3, 10, 0, time.UTC)
	if got := s.NextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected next tick %s", got)
	}
}

func TestRejectsZeroInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("zero interval should be rejected")
	}
}

func TestRunOnStartAndCancel(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, AlignToStart: true, RunOnStart: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, bucket time.Time) error {
			ticks <- bucket
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case bucket := <-ticks:
		if bucket.Minute() != 0 || bucket.Second() != 0 {
			t.Fatalf("bucket should be hour aligned, got %s", bucket)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an immediate tick")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
