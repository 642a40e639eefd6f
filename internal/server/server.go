package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"celo-onramp/internal/cdp"
	"celo-onramp/internal/config"
	"celo-onramp/internal/logging"
	"celo-onramp/internal/metrics"
	"celo-onramp/internal/onramp"
	"celo-onramp/internal/pricing"
	"celo-onramp/internal/quote"
	"celo-onramp/internal/swap"
)

// PriceService is the read side of the pricing engine.
type PriceService interface {
	ResolveNetwork(network string) (string, error)
	ExchangeRate(ctx context.Context, network string) (pricing.ExchangeRate, error)
	AssetPriceUSD(ctx context.Context) (pricing.ExchangeRate, error)
	CCOPPriceUSD(ctx context.Context, network string) (pricing.CCOPPrice, error)
}

// QuoteBuilder prices COP purchase requests.
type QuoteBuilder interface {
	Build(ctx context.Context, req quote.Request) (quote.Quote, error)
}

// CheckoutResolver produces the best available checkout URL.
type CheckoutResolver interface {
	Resolve(ctx context.Context, req onramp.Request) (onramp.Result, error)
}

// OnrampAPI is the subset of the CDP client used directly by handlers.
type OnrampAPI interface {
	RequestSessionToken(ctx context.Context, req cdp.SessionTokenRequest) (cdp.SessionTokenResult, error)
	BuyOptions(ctx context.Context, country, networks string) (cdp.BuyOptionsResult, error)
}

// CredentialIssuer signs single-call CDP credentials.
type CredentialIssuer interface {
	Issue(method, path string, ttl time.Duration) (cdp.Credential, error)
}

// ContractReporter describes the swap contract.
type ContractReporter interface {
	Info(ctx context.Context) swap.ContractInfo
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Prices   PriceService
	Quotes   QuoteBuilder
	Checkout CheckoutResolver
	Onramp   OnrampAPI
	Issuer   CredentialIssuer
	Contract ContractReporter
}

// Options tune the HTTP surface.
type Options struct {
	Server        config.ServerConfig
	CDP           config.CDPConfig
	ServiceName   string
	Version       string
	QRSize        int
	CredentialTTL time.Duration
	Now           func() time.Time
}

// Server is the onramp HTTP API.
type Server struct {
	deps    Deps
	opts    Options
	engine  *gin.Engine
	limiter *RateLimiter
	logger  zerolog.Logger
}

// New wires routes and middleware.
func New(deps Deps, opts Options, logger zerolog.Logger) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "celo-onramp"
	}
	if opts.QRSize <= 0 {
		opts.QRSize = 256
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = cdp.DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:   deps,
		opts:   opts,
		engine: gin.New(),
		logger: logging.Component(logger, "http"),
	}
	if opts.Server.RateLimit.Enabled {
		s.limiter = NewRateLimiter(opts.Server.RateLimit.RequestsPerSecond, opts.Server.RateLimit.Burst, s.logger)
	}
	s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.Use(CorrelationID())
	r.Use(AccessLog(s.logger))
	r.Use(Metrics())
	// inside the observers so a recovered panic is logged and counted as a 500
	r.Use(gin.CustomRecovery(s.recover))
	r.Use(s.cors())
	if s.limiter != nil {
		r.Use(s.limiter.Middleware(healthPath))
	}

	api := r.Group("/api")
	api.POST("/generate-jwt", s.generateJWT)
	api.POST("/generate-session-token", s.generateSessionToken)
	api.POST("/generate-buy-quote", s.generateBuyQuote)
	api.GET("/price/cop-usd", s.copUSDPrice)
	api.GET("/price/celo-ccop", s.celoCCOPPrice)
	api.GET("/buy-options", s.buyOptions)
	api.GET("/swap-contract", s.swapContract)
	api.GET("/health", s.health)

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "Not found", c.Request.URL.Path)
	})
}

func (s *Server) cors() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(s.opts.Server.AllowedOrigins) > 0 {
		cfg.AllowOrigins = s.opts.Server.AllowedOrigins
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", CorrelationIDHeader}
	cfg.ExposeHeaders = []string{CorrelationIDHeader}
	cfg.AllowCredentials = !cfg.AllowAllOrigins
	return cors.New(cfg)
}

func (s *Server) recover(c *gin.Context, recovered any) {
	s.logger.Error().
		Str("correlation_id", GetCorrelationID(c)).
		Interface("panic", recovered).
		Msg("handler panicked")
	writeError(c, http.StatusInternalServerError, "Internal server error", "unexpected failure")
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Server.Addr,
		Handler:           s.engine,
		ReadTimeout:       s.opts.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.opts.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.opts.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Msg("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return nil
}
