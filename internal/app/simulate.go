package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"celo-onramp/internal/pricing"
	"celo-onramp/internal/service"
)

// SimulateAlert pushes a synthetic live rate through the recorder so the
// drift alert path can be checked end to end.
func (a *App) SimulateAlert(ctx context.Context, network string, live decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	if !live.IsPositive() {
		return errors.New("--rate must be greater than zero")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	engine, err := a.newEngine(nil)
	if err != nil {
		return err
	}
	resolved, err := engine.ResolveNetwork(network)
	if err != nil {
		return err
	}

	rates := &staticRates{engine: engine, network: resolved, rate: live}
	rec := service.New(a.Config, nil, rates, nil, notifier, a.Logger)

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	result, err := rec.ProcessBucket(ctx, bucket)
	if err != nil {
		return err
	}
	if result.Alerts == 0 {
		a.Logger.Warn().Str("rate", live.String()).Msg("rate within threshold; no alert sent")
	}
	return nil
}

// staticRates serves one fixed COP/USD rate and skips the CELO feed.
type staticRates struct {
	engine  *pricing.Engine
	network string
	rate    decimal.Decimal
}

func (s *staticRates) Networks() []string { return []string{s.network} }

func (s *staticRates) BaseRate(network string) (decimal.Decimal, error) {
	return s.engine.BaseRate(network)
}

func (s *staticRates) Refresh(_ context.Context, network string) (pricing.ExchangeRate, error) {
	return pricing.ExchangeRate{
		Pair:       pricing.PairCOPUSD,
		Network:    network,
		Rate:       s.rate,
		Source:     pricing.SourceConfigured,
		Tier:       pricing.TierLive,
		ObservedAt: time.Now().UTC(),
	}, nil
}

func (s *staticRates) RefreshAssetPrice(context.Context) (pricing.ExchangeRate, error) {
	return pricing.ExchangeRate{}, errors.New("asset price not simulated")
}

var _ service.RateRefresher = (*staticRates)(nil)
