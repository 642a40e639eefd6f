package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"celo-onramp/internal/fetcher"
	"celo-onramp/internal/metrics"
	"celo-onramp/internal/money"
	"celo-onramp/internal/storage"
)

// Source classifies where a rate ultimately came from.
type Source string

const (
	SourceExternal   Source = "External"
	SourceConfigured Source = "Configured"
	SourceFallback   Source = "Fallback"
)

// Tier names the lookup step that served a rate.
type Tier string

const (
	TierCache     Tier = "cache"
	TierLive      Tier = "live"
	TierStale     Tier = "stale"
	TierPersisted Tier = "persisted"
	TierConstant  Tier = "constant"
)

// Pair labels.
const (
	PairCOPUSD  = "USD/COP"
	PairCELOUSD = "CELO/USD"
)

// ExchangeRate is a positive quote-per-base rate with its provenance.
type ExchangeRate struct {
	Pair       string
	Network    string
	Rate       decimal.Decimal
	Source     Source
	Tier       Tier
	Stale      bool
	ObservedAt time.Time
}

// Options wire the engine's collaborators.
type Options struct {
	// COPSources maps a network to its COP-per-USD feed. A nil entry means
	// the network only ever serves cached or configured rates.
	COPSources map[string]fetcher.RateSource
	// CeloSource yields USD per CELO.
	CeloSource fetcher.RateSource

	BaseRates       map[string]decimal.Decimal
	DefaultNetwork  string
	CeloFallbackUSD decimal.Decimal
	SwapFeePct      decimal.Decimal

	Cache *RateCache
	// Store is optional; when set, the last persisted observation is
	// consulted before the configured constant.
	Store storage.RateObservationStore
	Now   func() time.Time
}

// Engine produces exchange rates with cache and fallback discipline.
type Engine struct {
	copSources      map[string]fetcher.RateSource
	celoSource      fetcher.RateSource
	baseRates       map[string]decimal.Decimal
	defaultNetwork  string
	celoFallbackUSD decimal.Decimal
	swapFeePct      decimal.Decimal
	cache           *RateCache
	store           storage.RateObservationStore
	now             func() time.Time
	logger          zerolog.Logger
}

// NewEngine validates options and constructs an Engine.
func NewEngine(opts Options, logger zerolog.Logger) (*Engine, error) {
	if len(opts.BaseRates) == 0 {
		return nil, errors.New("pricing: at least one network base rate is required")
	}
	bases := make(map[string]decimal.Decimal, len(opts.BaseRates))
	for network, rate := range opts.BaseRates {
		if !rate.IsPositive() {
			return nil, fmt.Errorf("pricing: base rate for %s must be positive", network)
		}
		bases[normalizeNetwork(network)] = rate
	}
	defaultNetwork := normalizeNetwork(opts.DefaultNetwork)
	if _, ok := bases[defaultNetwork]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnsupportedNetwork, opts.DefaultNetwork)
	}
	if opts.SwapFeePct.IsNegative() {
		return nil, errors.New("pricing: swap fee cannot be negative")
	}

	sources := make(map[string]fetcher.RateSource, len(opts.COPSources))
	for network, src := range opts.COPSources {
		sources[normalizeNetwork(network)] = src
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewRateCache(5*time.Minute, now)
	}

	return &Engine{
		copSources:      sources,
		celoSource:      opts.CeloSource,
		baseRates:       bases,
		defaultNetwork:  defaultNetwork,
		celoFallbackUSD: opts.CeloFallbackUSD,
		swapFeePct:      opts.SwapFeePct,
		cache:           cache,
		store:           opts.Store,
		now:             now,
		logger:          logger.With().Str("component", "pricing").Logger(),
	}, nil
}

// Networks lists the networks with a configured base rate.
func (e *Engine) Networks() []string {
	out := make([]string, 0, len(e.baseRates))
	for network := range e.baseRates {
		out = append(out, network)
	}
	sort.Strings(out)
	return out
}

// DefaultNetwork returns the network used when callers pass none.
func (e *Engine) DefaultNetwork() string { return e.defaultNetwork }

// ResolveNetwork maps an optional network name onto a configured one.
func (e *Engine) ResolveNetwork(network string) (string, error) {
	network = normalizeNetwork(network)
	if network == "" {
		return e.defaultNetwork, nil
	}
	if _, ok := e.baseRates[network]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return network, nil
}

// BaseRate returns the configured approximate COP per USD for a network.
func (e *Engine) BaseRate(network string) (decimal.Decimal, error) {
	resolved, err := e.ResolveNetwork(network)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return e.baseRates[resolved], nil
}

// ExchangeRate returns COP per USD for the network.
func (e *Engine) ExchangeRate(ctx context.Context, network string) (ExchangeRate, error) {
	resolved, err := e.ResolveNetwork(network)
	if err != nil {
		return ExchangeRate{}, err
	}
	return e.lookup(ctx, e.copSpec(resolved))
}

// AssetPriceUSD returns USD per CELO.
func (e *Engine) AssetPriceUSD(ctx context.Context) (ExchangeRate, error) {
	return e.lookup(ctx, e.celoSpec())
}

// Refresh bypasses the cache and fetches COP per USD from the live feed.
// Fallback tiers are not consulted.
func (e *Engine) Refresh(ctx context.Context, network string) (ExchangeRate, error) {
	resolved, err := e.ResolveNetwork(network)
	if err != nil {
		return ExchangeRate{}, err
	}
	return e.fetchLive(ctx, e.copSpec(resolved))
}

// RefreshAssetPrice bypasses the cache and fetches USD per CELO.
func (e *Engine) RefreshAssetPrice(ctx context.Context) (ExchangeRate, error) {
	return e.fetchLive(ctx, e.celoSpec())
}

// CCOPPrice is the USD value of one cCOP alongside the rate it derives from.
type CCOPPrice struct {
	PriceUSD decimal.Decimal
	Rate     ExchangeRate
}

// CCOPPriceUSD prices cCOP at its COP peg: 1 / (COP per USD).
func (e *Engine) CCOPPriceUSD(ctx context.Context, network string) (CCOPPrice, error) {
	rate, err := e.ExchangeRate(ctx, network)
	if err != nil {
		return CCOPPrice{}, err
	}
	price := decimal.NewFromInt(1).DivRound(rate.Rate, 8)
	return CCOPPrice{PriceUSD: price, Rate: rate}, nil
}

// EstimateCCOP estimates how much cCOP a CELO amount swaps into, net of the
// swap fee.
func (e *Engine) EstimateCCOP(ctx context.Context, network string, celoAmount decimal.Decimal) (decimal.Decimal, error) {
	if celoAmount.IsNegative() {
		return decimal.Decimal{}, errors.New("pricing: celo amount cannot be negative")
	}
	celo, err := e.AssetPriceUSD(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	cop, err := e.ExchangeRate(ctx, network)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return EstimateCCOP(celoAmount, celo.Rate, cop.Rate, e.swapFeePct), nil
}

// EstimateCCOP converts CELO to cCOP through USD and deducts feePct percent.
func EstimateCCOP(celoAmount, celoUSD, copPerUSD, feePct decimal.Decimal) decimal.Decimal {
	gross := celoAmount.Mul(celoUSD).Mul(copPerUSD)
	net := gross.Mul(decimal.NewFromInt(1).Sub(feePct.Div(decimal.NewFromInt(100))))
	if net.IsNegative() {
		return decimal.Zero
	}
	return money.RoundAsset(net)
}

// SwapFeePct exposes the configured swap fee in percent.
func (e *Engine) SwapFeePct() decimal.Decimal { return e.swapFeePct }

type lookupSpec struct {
	key      string
	pair     string
	network  string
	source   fetcher.RateSource
	fallback decimal.Decimal
}

func (e *Engine) copSpec(network string) lookupSpec {
	return lookupSpec{
		key:      PairCOPUSD + "@" + network,
		pair:     PairCOPUSD,
		network:  network,
		source:   e.copSources[network],
		fallback: e.baseRates[network],
	}
}

func (e *Engine) celoSpec() lookupSpec {
	return lookupSpec{
		key:      PairCELOUSD,
		pair:     PairCELOUSD,
		source:   e.celoSource,
		fallback: e.celoFallbackUSD,
	}
}

func (e *Engine) lookup(ctx context.Context, spec lookupSpec) (ExchangeRate, error) {
	cached, fresh, hasCached := e.cache.Get(spec.key)
	if hasCached && fresh {
		cached.Tier = TierCache
		return e.served(cached), nil
	}

	live, liveErr := e.fetchLive(ctx, spec)
	if liveErr == nil {
		return e.served(live), nil
	}
	log := e.logger.Warn().Err(liveErr).Str("pair", spec.pair).Str("network", spec.network)

	if hasCached {
		log.Msg("live rate failed; serving stale cache")
		cached.Tier = TierStale
		cached.Stale = true
		return e.served(cached), nil
	}

	if persisted, ok := e.lastPersisted(ctx, spec); ok {
		log.Time("observed_at", persisted.ObservedAt).Msg("live rate failed; serving last persisted observation")
		return e.served(persisted), nil
	}

	if spec.fallback.IsPositive() {
		log.Str("rate", spec.fallback.String()).Msg("live rate failed; serving configured constant")
		return e.served(ExchangeRate{
			Pair:       spec.pair,
			Network:    spec.network,
			Rate:       spec.fallback,
			Source:     SourceFallback,
			Tier:       TierConstant,
			ObservedAt: e.now().UTC(),
		}), nil
	}

	log.Msg("no rate available")
	return ExchangeRate{}, fmt.Errorf("%w: %s %s: %v", ErrRateUnavailable, spec.pair, spec.network, liveErr)
}

func (e *Engine) fetchLive(ctx context.Context, spec lookupSpec) (ExchangeRate, error) {
	if spec.source == nil {
		return ExchangeRate{}, fmt.Errorf("no live source for %s %s", spec.pair, spec.network)
	}

	value, err := spec.source.FetchRate(ctx)
	if err != nil {
		return ExchangeRate{}, err
	}
	if !value.IsPositive() {
		return ExchangeRate{}, fmt.Errorf("%s returned non-positive rate %s", spec.source.Name(), value)
	}

	source := SourceExternal
	if sim, ok := spec.source.(fetcher.Simulator); ok && sim.Simulated() {
		source = SourceConfigured
	}

	rate := ExchangeRate{
		Pair:       spec.pair,
		Network:    spec.network,
		Rate:       value,
		Source:     source,
		Tier:       TierLive,
		ObservedAt: e.now().UTC(),
	}
	e.cache.Put(spec.key, rate)
	return rate, nil
}

func (e *Engine) lastPersisted(ctx context.Context, spec lookupSpec) (ExchangeRate, bool) {
	if e.store == nil {
		return ExchangeRate{}, false
	}
	obs, err := e.store.LatestObservation(ctx, spec.pair, spec.network)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Debug().Err(err).Str("pair", spec.pair).Msg("persisted rate lookup failed")
		}
		return ExchangeRate{}, false
	}
	if !obs.Rate.IsPositive() {
		return ExchangeRate{}, false
	}
	return ExchangeRate{
		Pair:       spec.pair,
		Network:    spec.network,
		Rate:       obs.Rate,
		Source:     SourceFallback,
		Tier:       TierPersisted,
		Stale:      true,
		ObservedAt: obs.ObservedAt,
	}, true
}

func (e *Engine) served(rate ExchangeRate) ExchangeRate {
	metrics.RecordRateLookup(rate.Pair, string(rate.Tier))
	return rate
}

func normalizeNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}
