package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"celo-onramp/internal/alerting"
	"celo-onramp/internal/cdp"
	"celo-onramp/internal/config"
	"celo-onramp/internal/fetcher"
	"celo-onramp/internal/onramp"
	"celo-onramp/internal/pricing"
	"celo-onramp/internal/quote"
	"celo-onramp/internal/scheduler"
	"celo-onramp/internal/server"
	"celo-onramp/internal/service"
	"celo-onramp/internal/storage"
	"celo-onramp/internal/swap"
	"celo-onramp/internal/version"
)

// bogota is UTC-5 year round; the simulated feed varies by local hour.
var bogota = time.FixedZone("COT", -5*60*60)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSources() (map[string]fetcher.RateSource, fetcher.RateSource) {
	pc := a.Config.Pricing
	cop := make(map[string]fetcher.RateSource, len(pc.BaseRates))

	var live fetcher.RateSource
	if !pc.Simulate {
		live = fetcher.NewExchangeRateAPI(fetcher.HTTPOptions{
			URL:       pc.ExchangeRateURL,
			Timeout:   pc.RequestTimeout,
			UserAgent: pc.UserAgent,
			Retries:   pc.Retries,
		}, a.Logger)
	}
	for network, base := range pc.BaseRates {
		if pc.Simulate {
			cop[network] = fetcher.NewSimulated(fetcher.SimulatedOptions{
				Base:      decimal.NewFromFloat(base),
				Amplitude: pc.VariationAmplitude,
				Location:  bogota,
			})
			continue
		}
		cop[network] = live
	}

	celo := fetcher.NewCoinGecko(fetcher.HTTPOptions{
		URL:       pc.CeloPriceURL,
		Timeout:   pc.RequestTimeout,
		UserAgent: pc.UserAgent,
		Retries:   pc.Retries,
	}, a.Logger)

	return cop, celo
}

func (a *App) newEngine(store storage.RateObservationStore) (*pricing.Engine, error) {
	pc := a.Config.Pricing
	bases := make(map[string]decimal.Decimal, len(pc.BaseRates))
	for network, rate := range pc.BaseRates {
		bases[network] = decimal.NewFromFloat(rate)
	}
	cop, celo := a.newSources()

	return pricing.NewEngine(pricing.Options{
		COPSources:      cop,
		CeloSource:      celo,
		BaseRates:       bases,
		DefaultNetwork:  pc.DefaultNetwork,
		CeloFallbackUSD: decimal.NewFromFloat(pc.CeloFallbackUSD),
		SwapFeePct:      decimal.NewFromFloat(a.Config.Celo.SwapFeePct),
		Cache:           pricing.NewRateCache(pc.CacheTTL, time.Now),
		Store:           store,
	}, a.Logger)
}

func (a *App) newQuoteBuilder(rates quote.RateProvider) *quote.Builder {
	qc := a.Config.Quote
	minimums := make(map[string]decimal.Decimal, len(qc.MinimumUSD))
	for method, floor := range qc.MinimumUSD {
		minimums[method] = decimal.NewFromFloat(floor)
	}
	return quote.NewBuilder(rates, quote.Policy{
		MinimumUSD:           minimums,
		DefaultMinimum:       decimal.NewFromFloat(qc.DefaultMinimum),
		FeePct:               decimal.NewFromFloat(qc.FeePct),
		NetworkFeeUSD:        decimal.NewFromFloat(qc.NetworkFeeUSD),
		SwapFeePct:           decimal.NewFromFloat(a.Config.Celo.SwapFeePct),
		Validity:             qc.Validity,
		DefaultPaymentMethod: a.Config.CDP.DefaultPaymentMethod,
	}, a.Logger)
}

func (a *App) newCDPClient() *cdp.Client {
	cc := a.Config.CDP
	signer := cdp.NewSigner(cc.APIKeyID, cc.APIKeySecret, cc.APIHost)
	if err := signer.Ready(); err != nil {
		a.Logger.Warn().Err(err).Msg("cdp credentials unusable; signing routes will fail")
	}
	return cdp.NewClient(signer, cdp.ClientOptions{
		Timeout:       cc.RequestTimeout,
		CredentialTTL: cc.CredentialTTL,
		UserAgent:     a.Config.Pricing.UserAgent,
	}, a.Logger)
}

func (a *App) newResolver(client onramp.TokenIssuer) *onramp.Resolver {
	cc := a.Config.CDP
	return onramp.NewResolver(client, onramp.ResolverConfig{
		PayBaseURL:    cc.PayBaseURL,
		AppID:         cc.AppID,
		Asset:         cc.DefaultAsset,
		Network:       cc.DefaultNetwork,
		PaymentMethod: cc.DefaultPaymentMethod,
		Country:       cc.DefaultCountry,
	}, a.Logger)
}

func (a *App) newInspector() (*swap.Inspector, error) {
	cc := a.Config.Celo
	return swap.NewInspector(swap.Options{
		RPCURL:     cc.RPCURL,
		Network:    cc.Network,
		Address:    cc.SwapAddress,
		FeePercent: decimal.NewFromFloat(cc.SwapFeePct),
		Tokens:     cc.Tokens,
		Timeout:    cc.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if !a.Config.Database.Enabled() {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// observationStore avoids handing a typed nil *Store to interfaces.
func observationStore(store *storage.Store) storage.RateObservationStore {
	if store == nil {
		return nil
	}
	return store
}

// Serve runs the HTTP API until SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Info().Msg("database.dsn not configured; last-known rates are not persisted")
	}
	if closeStore != nil {
		defer closeStore()
	}

	engine, err := a.newEngine(observationStore(store))
	if err != nil {
		return err
	}
	client := a.newCDPClient()
	inspector, err := a.newInspector()
	if err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Prices:   engine,
		Quotes:   a.newQuoteBuilder(engine),
		Checkout: a.newResolver(client),
		Onramp:   client,
		Issuer:   client.Signer(),
		Contract: inspector,
	}, server.Options{
		Server:        a.Config.Server,
		CDP:           a.Config.CDP,
		ServiceName:   a.Config.App.Name,
		Version:       version.Version,
		CredentialTTL: client.CredentialTTL(),
	}, a.Logger)

	a.Logger.Info().
		Str("addr", a.Config.Server.Addr).
		Str("default_network", engine.DefaultNetwork()).
		Bool("simulated_rates", a.Config.Pricing.Simulate).
		Bool("cdp_configured", a.Config.CDPConfigured()).
		Msg("starting onramp api")
	if err := srv.Run(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("onramp api stopped")
	return nil
}

// Record runs the rate recorder on the configured schedule.
func (a *App) Record(ctx context.Context, once bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; observations will only be logged")
	}
	if closeStore != nil {
		defer closeStore()
	}

	engine, err := a.newEngine(observationStore(store))
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)
	if err != nil {
		return err
	}

	rec := service.New(a.Config, sched, engine, observationStore(store), a.newNotifier(), a.Logger)

	if once {
		bucket := sched.BucketStart(time.Now().UTC())
		_, err := rec.ProcessBucket(ctx, bucket)
		return err
	}

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting rate recorder")
	err = rec.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("recorder terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate recorder stopped")
	return nil
}

// ExportOptions hold parameters for exporting recorded observations.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Pair      string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// QuoteOptions configure the quote command.
type QuoteOptions struct {
	AmountCOP     decimal.Decimal
	Wallet        string
	PaymentMethod string
	Network       string
	Country       string
	Checkout      bool
	QRPath        string
}
