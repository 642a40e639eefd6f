package onramp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"celo-onramp/internal/cdp"
	"celo-onramp/internal/logging"
)

// Tier names how the checkout URL was obtained.
type Tier string

const (
	TierBuyQuote        Tier = "buy_quote"
	TierSessionToken    Tier = "session_token"
	TierUnauthenticated Tier = "unauthenticated"
)

// TokenIssuer is the subset of the CDP client the resolver needs.
type TokenIssuer interface {
	RequestBuyQuote(ctx context.Context, req cdp.BuyQuoteRequest) (cdp.BuyQuoteResult, error)
	RequestSessionToken(ctx context.Context, req cdp.SessionTokenRequest) (cdp.SessionTokenResult, error)
}

// ResolverConfig holds the checkout defaults.
type ResolverConfig struct {
	PayBaseURL    string
	AppID         string
	Asset         string
	Network       string
	PaymentMethod string
	Country       string
}

// Request describes the checkout to prepare.
type Request struct {
	WalletAddress string
	AmountUSD     decimal.Decimal
	Country       string
	PaymentMethod string
}

// Result is the best checkout URL obtainable. When Authenticated is false
// the URL carries no session credential and will not open a real checkout.
type Result struct {
	URL           string
	SessionToken  string
	Tier          Tier
	Authenticated bool
	BuyQuote      *cdp.BuyQuote
	Credential    cdp.Credential
	Failures      []error
}

// Resolver degrades from buy quote, to session token, to a bare URL.
type Resolver struct {
	issuer TokenIssuer
	cfg    ResolverConfig
	logger zerolog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(issuer TokenIssuer, cfg ResolverConfig, logger zerolog.Logger) *Resolver {
	if cfg.PayBaseURL == "" {
		cfg.PayBaseURL = DefaultPayBaseURL
	}
	if cfg.Asset == "" {
		cfg.Asset = "CGLD"
	}
	if cfg.Network == "" {
		cfg.Network = "celo"
	}
	if cfg.PaymentMethod == "" {
		cfg.PaymentMethod = "CARD"
	}
	if cfg.Country == "" {
		cfg.Country = "CO"
	}
	return &Resolver{issuer: issuer, cfg: cfg, logger: logging.Component(logger, "onramp")}
}

// Resolve walks the tiers. Signing errors and cancellation abort instead of
// degrading, since no later tier can do better.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.WalletAddress) == "" {
		return Result{}, errors.New("onramp: wallet address is required")
	}
	country := firstNonEmpty(req.Country, r.cfg.Country)
	method := firstNonEmpty(req.PaymentMethod, r.cfg.PaymentMethod)

	var (
		res   Result
		quote *cdp.BuyQuote
	)

	quoteRes, err := r.issuer.RequestBuyQuote(ctx, cdp.BuyQuoteRequest{
		PurchaseCurrency:   r.cfg.Asset,
		PurchaseNetwork:    r.cfg.Network,
		PaymentAmount:      req.AmountUSD,
		PaymentCurrency:    "USD",
		PaymentMethod:      method,
		Country:            country,
		DestinationAddress: req.WalletAddress,
	})
	switch {
	case err == nil:
		quote = &quoteRes.Quote
		res.Credential = quoteRes.Credential
		if quote.OnrampURL != "" {
			res.URL = quote.OnrampURL
			res.SessionToken = SessionTokenFrom(quote.OnrampURL)
			res.Tier = TierBuyQuote
			res.Authenticated = true
			res.BuyQuote = quote
			return res, nil
		}
	case r.fatal(ctx, err):
		return Result{}, err
	default:
		r.logger.Warn().Err(err).Str("tier", string(TierBuyQuote)).Msg("checkout tier failed")
		res.Failures = append(res.Failures, fmt.Errorf("%s: %w", TierBuyQuote, err))
	}
	res.BuyQuote = quote

	tokenRes, err := r.issuer.RequestSessionToken(ctx, cdp.SessionTokenRequest{
		Address:     req.WalletAddress,
		Assets:      []string{r.cfg.Asset},
		Blockchains: []string{r.cfg.Network},
		Country:     country,
	})
	switch {
	case err == nil:
		res.SessionToken = tokenRes.Token
		res.Credential = tokenRes.Credential
		res.Authenticated = true
		res.Tier = TierSessionToken
		if quote != nil {
			res.Tier = TierBuyQuote
		}
	case r.fatal(ctx, err):
		return Result{}, err
	default:
		r.logger.Warn().Err(err).Str("tier", string(TierSessionToken)).Msg("checkout tier failed")
		res.Failures = append(res.Failures, fmt.Errorf("%s: %w", TierSessionToken, err))
		res.Tier = TierUnauthenticated
		res.Authenticated = false
	}

	url, err := BuildRedirectURL(r.cfg.PayBaseURL, Params{
		AppID:                r.cfg.AppID,
		SessionToken:         res.SessionToken,
		PresetFiatAmount:     req.AmountUSD,
		FiatCurrency:         "USD",
		DestinationAddress:   req.WalletAddress,
		Blockchains:          []string{r.cfg.Network},
		Assets:               []string{r.cfg.Asset},
		DefaultAsset:         r.cfg.Asset,
		DefaultNetwork:       r.cfg.Network,
		Country:              country,
		DefaultPaymentMethod: method,
	})
	if err != nil {
		return Result{}, err
	}
	res.URL = url

	if !res.Authenticated {
		r.logger.Error().Int("failures", len(res.Failures)).Msg("serving unauthenticated checkout url")
	}
	return res, nil
}

func (r *Resolver) fatal(ctx context.Context, err error) bool {
	var signErr *cdp.SigningError
	return errors.As(err, &signErr) || ctx.Err() != nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
