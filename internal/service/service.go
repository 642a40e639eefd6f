package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"celo-onramp/internal/alerting"
	"celo-onramp/internal/config"
	"celo-onramp/internal/pricing"
	"celo-onramp/internal/scheduler"
	"celo-onramp/internal/storage"
)

// RateRefresher is the slice of the pricing engine the recorder drives.
type RateRefresher interface {
	Networks() []string
	BaseRate(network string) (decimal.Decimal, error)
	Refresh(ctx context.Context, network string) (pricing.ExchangeRate, error)
	RefreshAssetPrice(ctx context.Context) (pricing.ExchangeRate, error)
}

// Recorder samples live rates on a schedule, persists them, and raises
// drift alerts against the configured base rates.
type Recorder struct {
	scheduler *scheduler.Scheduler
	rates     RateRefresher
	store     storage.RateObservationStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	threshold decimal.Decimal
	cooldown  time.Duration
	alertsOn  bool
	locker    storage.AdvisoryLocker
	lockKey   int64
	now       func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// BucketResult summarises one recording pass.
type BucketResult struct {
	Bucket   time.Time
	Recorded int
	Failed   int
	Alerts   int
	Skipped  bool
}

// New constructs the recorder. store and notifier may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, rates RateRefresher, store storage.RateObservationStore, notifier alerting.Notifier, logger zerolog.Logger) *Recorder {
	threshold := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.ThresholdPct > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.ThresholdPct)
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Recorder{
		scheduler: sched,
		rates:     rates,
		store:     store,
		notifier:  notifier,
		logger:    logger.With().Str("component", "recorder").Logger(),
		threshold: threshold,
		cooldown:  cfg.Alerting.Cooldown,
		alertsOn:  cfg.Alerting.Enabled,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
}

// Run begins the aligned sampling loop.
func (r *Recorder) Run(ctx context.Context) error {
	if r.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return r.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := r.ProcessBucket(ctx, bucket)
		return err
	})
}

// ProcessBucket records every configured network plus the CELO price for
// one bucket. A single failed feed does not abort the others.
func (r *Recorder) ProcessBucket(ctx context.Context, bucket time.Time) (BucketResult, error) {
	result := BucketResult{Bucket: bucket}

	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return result, err
	}
	if !proceed {
		r.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		result.Skipped = true
		return result, nil
	}
	if unlock != nil {
		defer unlock()
	}

	var errs []error
	for _, network := range r.rates.Networks() {
		rate, err := r.rates.Refresh(ctx, network)
		if err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("refresh %s: %w", network, err))
			continue
		}
		r.persist(ctx, bucket, rate)
		result.Recorded++

		if r.checkDrift(ctx, bucket, network, rate) {
			result.Alerts++
		}
	}

	celo, err := r.rates.RefreshAssetPrice(ctx)
	if err != nil {
		result.Failed++
		errs = append(errs, fmt.Errorf("refresh celo price: %w", err))
	} else {
		r.persist(ctx, bucket, celo)
		result.Recorded++
	}

	r.logger.Info().Time("bucket", bucket).
		Int("recorded", result.Recorded).
		Int("failed", result.Failed).
		Int("alerts", result.Alerts).
		Msg("bucket recorded")

	if result.Recorded == 0 && len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	for _, e := range errs {
		r.logger.Warn().Err(e).Time("bucket", bucket).Msg("feed failed")
	}
	return result, nil
}

func (r *Recorder) persist(ctx context.Context, bucket time.Time, rate pricing.ExchangeRate) {
	if r.store == nil {
		return
	}
	obs := storage.RateObservation{
		ObservedAt: bucket,
		Pair:       rate.Pair,
		Network:    rate.Network,
		Rate:       rate.Rate,
		Source:     string(rate.Source),
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.InsertObservation(ctx, obs); err != nil {
		r.logger.Error().Err(err).Time("bucket", bucket).Str("pair", rate.Pair).Msg("failed to persist observation")
	}
}

func (r *Recorder) checkDrift(ctx context.Context, bucket time.Time, network string, rate pricing.ExchangeRate) bool {
	if !r.alertsOn || r.notifier == nil || r.threshold.IsZero() {
		return false
	}
	base, err := r.rates.BaseRate(network)
	if err != nil || !base.IsPositive() {
		return false
	}

	deviation := DeviationPct(rate.Rate, base)
	if !deviation.Abs().GreaterThan(r.threshold) {
		return false
	}
	if !r.claimAlert(network) {
		r.logger.Debug().Str("network", network).Msg("drift alert suppressed by cooldown")
		return false
	}

	note := alerting.Notification{
		Bucket:         bucket,
		Network:        network,
		Pair:           rate.Pair,
		LiveRate:       rate.Rate,
		ConfiguredRate: base,
		DeviationPct:   deviation,
		ThresholdPct:   r.threshold,
		Direction:      classifyDeviation(deviation),
		Source:         string(rate.Source),
	}
	if err := r.notifier.Notify(ctx, note); err != nil {
		r.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
		return false
	}
	return true
}

func (r *Recorder) claimAlert(network string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if last, ok := r.lastAlert[network]; ok && r.cooldown > 0 && now.Sub(last) < r.cooldown {
		return false
	}
	r.lastAlert[network] = now
	return true
}

// DeviationPct is (live/base - 1) * 100.
func DeviationPct(live, base decimal.Decimal) decimal.Decimal {
	return live.Div(base).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}

func classifyDeviation(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

func (r *Recorder) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.lockKey == 0 || r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
