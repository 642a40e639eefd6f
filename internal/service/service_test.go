package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"celo-onramp/internal/alerting"
	"celo-onramp/internal/config"
	"celo-onramp/internal/pricing"
	"celo-onramp/internal/storage"
)

type fakeRates struct {
	live    map[string]decimal.Decimal
	celo    decimal.Decimal
	celoErr error
}

func (f *fakeRates) Networks() []string { return []string{"alfajores", "mainnet"} }

func (f *fakeRates) BaseRate(string) (decimal.Decimal, error) { return decimal.NewFromInt(4000), nil }

func (f *fakeRates) Refresh(_ context.Context, network string) (pricing.ExchangeRate, error) {
	rate, ok := f.live[network]
	if !ok {
		return pricing.ExchangeRate{}, errors.New("feed down")
	}
	return pricing.ExchangeRate{Pair: pricing.PairCOPUSD, Network: network, Rate: rate, Source: pricing.SourceExternal, Tier: pricing.TierLive}, nil
}

func (f *fakeRates) RefreshAssetPrice(context.Context) (pricing.ExchangeRate, error) {
	if f.celoErr != nil {
		return pricing.ExchangeRate{}, f.celoErr
	}
	return pricing.ExchangeRate{Pair: pricing.PairCELOUSD, Rate: f.celo, Source: pricing.SourceExternal, Tier: pricing.TierLive}, nil
}

type memoryStore struct {
	storage.RateObservationStore
	mu       sync.Mutex
	inserted []storage.RateObservation
	locked   bool
}

func (m *memoryStore) InsertObservation(_ context.Context, obs storage.RateObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, obs)
	return nil
}

func (m *memoryStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if m.locked {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Alerting.Enabled = true
	cfg.Alerting.ThresholdPct = 5
	cfg.Alerting.Cooldown = time.Hour
	cfg.Scheduler.AdvisoryLockKey = 42
	return cfg
}

var bucket = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestProcessBucketPersistsEveryPair(t *testing.T) {
	rates := &fakeRates{
		live: map[string]decimal.Decimal{"mainnet": decimal.NewFromInt(4100), "alfajores": decimal.NewFromInt(4010)},
		celo: decimal.NewFromFloat(0.62),
	}
	store := &memoryStore{}
	rec := New(testConfig(), nil, rates, store, &recordingNotifier{}, zerolog.Nop())

	result, err := rec.ProcessBucket(context.Background(), bucket)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Recorded)
	assert.Zero(t, result.Failed)

	require.Len(t, store.inserted, 3)
	for _, obs := range store.inserted {
		assert.True(t, obs.ObservedAt.Equal(bucket))
		assert.Equal(t, "External", obs.Source)
	}
	assert.Equal(t, pricing.PairCELOUSD, store.inserted[2].Pair)
	assert.Empty(t, store.inserted[2].Network)
}

func TestProcessBucketAlertsOnceWithinCooldown(t *testing.T) {
	rates := &fakeRates{
		live: map[string]decimal.Decimal{"mainnet": decimal.NewFromInt(4400), "alfajores": decimal.NewFromInt(4000)},
		celo: decimal.NewFromFloat(0.62),
	}
	notifier := &recordingNotifier{}
	rec := New(testConfig(), nil, rates, nil, notifier, zerolog.Nop())
	now := bucket
	rec.now = func() time.Time { return now }

	result, err := rec.ProcessBucket(context.Background(), bucket)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Alerts)
	require.Len(t, notifier.notes, 1)
	note := notifier.notes[0]
	assert.Equal(t, "mainnet", note.Network)
	assert.Equal(t, "up", note.Direction)
	assert.True(t, note.DeviationPct.Equal(decimal.NewFromInt(10)))

	now = now.Add(30 * time.Minute)
	_, err = rec.ProcessBucket(context.Background(), bucket.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, notifier.notes, 1, "cooldown should suppress the repeat")

	now = now.Add(time.Hour)
	_, err = rec.ProcessBucket(context.Background(), bucket.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Len(t, notifier.notes, 2)
}

func TestProcessBucketPartialFailure(t *testing.T) {
	rates := &fakeRates{
		live:    map[string]decimal.Decimal{"mainnet": decimal.NewFromInt(4000)},
		celoErr: errors.New("coingecko down"),
	}
	rec := New(testConfig(), nil, rates, nil, nil, zerolog.Nop())

	result, err := rec.ProcessBucket(context.Background(), bucket)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recorded)
	assert.Equal(t, 2, result.Failed)
}

func TestProcessBucketAllFeedsDown(t *testing.T) {
	rates := &fakeRates{celoErr: errors.New("down")}
	rec := New(testConfig(), nil, rates, nil, nil, zerolog.Nop())

	_, err := rec.ProcessBucket(context.Background(), bucket)
	require.Error(t, err)
}

func TestProcessBucketSkipsWhenLocked(t *testing.T) {
	store := &memoryStore{locked: true}
	rec := New(testConfig(), nil, &fakeRates{}, store, nil, zerolog.Nop())

	result, err := rec.ProcessBucket(context.Background(), bucket)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, store.inserted)
}

func TestDeviationPct(t *testing.T) {
	got := DeviationPct(decimal.NewFromInt(3800), decimal.NewFromInt(4000))
	assert.True(t, got.Equal(decimal.NewFromInt(-5)), got.String())
	assert.Equal(t, "down", classifyDeviation(got))
}
