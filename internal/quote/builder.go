package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"celo-onramp/internal/metrics"
	"celo-onramp/internal/money"
	"celo-onramp/internal/pricing"
)

// DefaultPaymentMethod is the card rail.
const DefaultPaymentMethod = "CARD"

// RateProvider supplies the two rates a quote needs.
type RateProvider interface {
	ExchangeRate(ctx context.Context, network string) (pricing.ExchangeRate, error)
	AssetPriceUSD(ctx context.Context) (pricing.ExchangeRate, error)
}

// Policy holds fee and limit settings.
type Policy struct {
	// MinimumUSD is keyed by payment method; lookups ignore case.
	MinimumUSD           map[string]decimal.Decimal
	DefaultMinimum       decimal.Decimal
	FeePct               decimal.Decimal
	NetworkFeeUSD        decimal.Decimal
	SwapFeePct           decimal.Decimal
	Validity             time.Duration
	DefaultPaymentMethod string
}

// Request is a COP-denominated purchase intent.
type Request struct {
	AmountCOP     decimal.Decimal
	WalletAddress string
	PaymentMethod string
	Network       string
}

// FeeBreakdown splits the fees deducted from the USD amount.
type FeeBreakdown struct {
	TransactionFee decimal.Decimal
	NetworkFee     decimal.Decimal
}

// Total sums all fees.
func (f FeeBreakdown) Total() decimal.Decimal {
	return f.TransactionFee.Add(f.NetworkFee)
}

// Quote is a priced, time-limited offer.
type Quote struct {
	ID             string
	SourceAmount   decimal.Decimal
	SourceCurrency money.Currency
	AmountUSD      decimal.Decimal
	PurchaseAsset  money.Asset
	PurchaseAmount decimal.Decimal
	Fees           FeeBreakdown
	ExchangeRate   pricing.ExchangeRate
	AssetPrice     pricing.ExchangeRate
	EstimatedCCOP  decimal.Decimal
	WalletAddress  string
	PaymentMethod  string
	Network        string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the quote must be re-requested.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// Option customises a Builder.
type Option func(*Builder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator overrides quote id generation.
func WithIDGenerator(next func() string) Option {
	return func(b *Builder) { b.newID = next }
}

// Builder turns requests into quotes.
type Builder struct {
	rates  RateProvider
	policy Policy
	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(rates RateProvider, policy Policy, logger zerolog.Logger, opts ...Option) *Builder {
	minimums := make(map[string]decimal.Decimal, len(policy.MinimumUSD))
	for method, floor := range policy.MinimumUSD {
		minimums[strings.ToUpper(method)] = floor
	}
	policy.MinimumUSD = minimums
	if policy.DefaultPaymentMethod == "" {
		policy.DefaultPaymentMethod = DefaultPaymentMethod
	}
	if policy.Validity <= 0 {
		policy.Validity = 5 * time.Minute
	}

	b := &Builder{
		rates:  rates,
		policy: policy,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.With().Str("component", "quote").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Minimum returns the USD floor for a payment method.
func (b *Builder) Minimum(paymentMethod string) decimal.Decimal {
	if floor, ok := b.policy.MinimumUSD[strings.ToUpper(paymentMethod)]; ok {
		return floor
	}
	return b.policy.DefaultMinimum
}

// NormalizeWallet validates a 0x address and returns its checksummed form.
func NormalizeWallet(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return "", &ValidationError{Field: "walletAddress", Message: "wallet address is required"}
	}
	if !common.IsHexAddress(wallet) || !strings.HasPrefix(strings.ToLower(wallet), "0x") {
		return "", &ValidationError{Field: "walletAddress", Message: "wallet address must be a 0x-prefixed 20-byte hex address"}
	}
	return common.HexToAddress(wallet).Hex(), nil
}

// Build prices a request. Rate failures surface as pricing errors.
func (b *Builder) Build(ctx context.Context, req Request) (Quote, error) {
	q, err := b.build(ctx, req)
	metrics.RecordQuote(outcome(err))
	return q, err
}

func (b *Builder) build(ctx context.Context, req Request) (Quote, error) {
	wallet, err := NormalizeWallet(req.WalletAddress)
	if err != nil {
		return Quote{}, err
	}
	amountCOP := money.RoundCOP(req.AmountCOP)
	if !amountCOP.IsPositive() {
		return Quote{}, &ValidationError{Field: "amount", Message: "amount must be a positive number of pesos"}
	}
	method := strings.ToUpper(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = b.policy.DefaultPaymentMethod
	}

	rate, err := b.rates.ExchangeRate(ctx, req.Network)
	if err != nil {
		return Quote{}, err
	}

	exactUSD, err := money.Convert(amountCOP, money.COP, money.USD, money.USDCOP, rate.Rate)
	if err != nil {
		return Quote{}, fmt.Errorf("convert to usd: %w", err)
	}
	amountUSD := money.RoundUSD(exactUSD)

	minimum := b.Minimum(method)
	if exactUSD.LessThan(minimum) {
		return Quote{}, &AmountBelowMinimumError{
			Provided:      amountUSD,
			Minimum:       money.RoundUSD(minimum),
			PaymentMethod: method,
		}
	}

	fees := FeeBreakdown{
		TransactionFee: money.RoundUSD(amountUSD.Mul(b.policy.FeePct).Div(decimal.NewFromInt(100))),
		NetworkFee:     money.RoundUSD(b.policy.NetworkFeeUSD),
	}
	netUSD := amountUSD.Sub(fees.Total())

	asset, err := b.rates.AssetPriceUSD(ctx)
	if err != nil {
		return Quote{}, err
	}
	if !asset.Rate.IsPositive() {
		return Quote{}, fmt.Errorf("%w: non-positive asset price", pricing.ErrRateUnavailable)
	}

	purchase := decimal.Zero
	if netUSD.IsPositive() {
		purchase = netUSD.DivRound(asset.Rate, money.AssetPlaces)
	}
	if !purchase.IsPositive() {
		return Quote{}, &AmountBelowMinimumError{
			Provided:      amountUSD,
			Minimum:       money.RoundUSD(decimal.Max(minimum, fees.Total())),
			PaymentMethod: method,
		}
	}

	now := b.now().UTC()
	q := Quote{
		ID:             b.newID(),
		SourceAmount:   amountCOP,
		SourceCurrency: money.COP,
		AmountUSD:      amountUSD,
		PurchaseAsset:  money.CELO,
		PurchaseAmount: purchase,
		Fees:           fees,
		ExchangeRate:   rate,
		AssetPrice:     asset,
		EstimatedCCOP:  pricing.EstimateCCOP(purchase, asset.Rate, rate.Rate, b.policy.SwapFeePct),
		WalletAddress:  wallet,
		PaymentMethod:  method,
		Network:        rate.Network,
		CreatedAt:      now,
		ExpiresAt:      now.Add(b.policy.Validity),
	}

	b.logger.Debug().
		Str("quote_id", q.ID).
		Str("amount_cop", amountCOP.String()).
		Str("amount_usd", amountUSD.StringFixed(2)).
		Str("rate", rate.Rate.String()).
		Str("rate_tier", string(rate.Tier)).
		Msg("quote built")
	return q, nil
}

func outcome(err error) string {
	var (
		validation *ValidationError
		below      *AmountBelowMinimumError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &below):
		return "below_minimum"
	case errors.Is(err, pricing.ErrRateUnavailable):
		return "rate_unavailable"
	default:
		return "error"
	}
}
