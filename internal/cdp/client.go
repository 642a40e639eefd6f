package cdp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"celo-onramp/internal/logging"
	"celo-onramp/internal/metrics"
)

const (
	TokenPath      = "/onramp/v1/token"
	BuyQuotePath   = "/onramp/v1/buy/quote"
	BuyOptionsPath = "/onramp/v1/buy/options"

	maxResponseBytes = 1 << 20
)

// ClientOptions configure the CDP client.
type ClientOptions struct {
	// BaseURL defaults to https://<signer host>.
	BaseURL       string
	Timeout       time.Duration
	CredentialTTL time.Duration
	UserAgent     string
	HTTPClient    *http.Client
}

// Client calls the CDP onramp endpoints. Upstream failures are never
// retried.
type Client struct {
	signer  *Signer
	baseURL string
	ttl     time.Duration
	ua      string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient constructs a CDP client.
func NewClient(signer *Signer, opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = DefaultTTL
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://" + signer.host
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "celo-onramp/1.0"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		signer:  signer,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		ttl:     opts.CredentialTTL,
		ua:      opts.UserAgent,
		http:    client,
		logger:  logging.Component(logger, "cdp"),
	}
}

// Signer exposes the credential issuer.
func (c *Client) Signer() *Signer { return c.signer }

// CredentialTTL is the lifetime of credentials this client issues.
func (c *Client) CredentialTTL() time.Duration { return c.ttl }

// DestinationWallet names where purchased assets are delivered.
type DestinationWallet struct {
	Address     string   `json:"address"`
	Assets      []string `json:"assets"`
	Blockchains []string `json:"blockchains"`
}

// SessionTokenRequest asks for a checkout session token.
type SessionTokenRequest struct {
	Address     string
	Assets      []string
	Blockchains []string
	Country     string
}

type sessionTokenPayload struct {
	DestinationWallets []DestinationWallet `json:"destinationWallets"`
	Country            string              `json:"country,omitempty"`
}

// SessionTokenResult pairs the token with the credential that obtained it.
type SessionTokenResult struct {
	SessionToken
	Credential Credential
}

// RequestSessionToken calls POST /onramp/v1/token.
func (c *Client) RequestSessionToken(ctx context.Context, req SessionTokenRequest) (SessionTokenResult, error) {
	if strings.TrimSpace(req.Address) == "" {
		return SessionTokenResult{}, errors.New("cdp: destination address is required")
	}
	payload := sessionTokenPayload{
		DestinationWallets: []DestinationWallet{{
			Address:     req.Address,
			Assets:      req.Assets,
			Blockchains: req.Blockchains,
		}},
		Country: req.Country,
	}

	cred, body, err := c.do(ctx, "token", http.MethodPost, TokenPath, nil, payload)
	if err != nil {
		return SessionTokenResult{Credential: cred}, err
	}
	token, err := ParseSessionToken(body)
	if err != nil {
		c.logger.Error().Err(err).Msg("unrecognised session token response")
		return SessionTokenResult{Credential: cred}, err
	}
	c.logger.Info().
		Str("session_token", logging.Redact(token.Token)).
		Str("shape", string(token.Shape)).
		Msg("session token issued")
	return SessionTokenResult{SessionToken: token, Credential: cred}, nil
}

// BuyQuoteRequest asks CDP to price a purchase.
type BuyQuoteRequest struct {
	PurchaseCurrency   string
	PurchaseNetwork    string
	PaymentAmount      decimal.Decimal
	PaymentCurrency    string
	PaymentMethod      string
	Country            string
	Subdivision        string
	DestinationAddress string
}

type buyQuotePayload struct {
	PurchaseCurrency   string `json:"purchase_currency"`
	PurchaseNetwork    string `json:"purchase_network,omitempty"`
	PaymentAmount      string `json:"payment_amount"`
	PaymentCurrency    string `json:"payment_currency"`
	PaymentMethod      string `json:"payment_method"`
	Country            string `json:"country"`
	Subdivision        string `json:"subdivision,omitempty"`
	DestinationAddress string `json:"destination_address,omitempty"`
}

// BuyQuoteResult pairs the quote with the credential that obtained it.
type BuyQuoteResult struct {
	Quote      BuyQuote
	Credential Credential
}

// RequestBuyQuote calls POST /onramp/v1/buy/quote.
func (c *Client) RequestBuyQuote(ctx context.Context, req BuyQuoteRequest) (BuyQuoteResult, error) {
	if strings.TrimSpace(req.DestinationAddress) == "" {
		return BuyQuoteResult{}, errors.New("cdp: destination address is required")
	}
	if !req.PaymentAmount.IsPositive() {
		return BuyQuoteResult{}, errors.New("cdp: payment amount must be positive")
	}
	payload := buyQuotePayload{
		PurchaseCurrency:   req.PurchaseCurrency,
		PurchaseNetwork:    req.PurchaseNetwork,
		PaymentAmount:      req.PaymentAmount.StringFixed(2),
		PaymentCurrency:    req.PaymentCurrency,
		PaymentMethod:      req.PaymentMethod,
		Country:            req.Country,
		Subdivision:        req.Subdivision,
		DestinationAddress: req.DestinationAddress,
	}

	cred, body, err := c.do(ctx, "buy_quote", http.MethodPost, BuyQuotePath, nil, payload)
	if err != nil {
		return BuyQuoteResult{Credential: cred}, err
	}
	quote, err := ParseBuyQuote(body)
	if err != nil {
		return BuyQuoteResult{Credential: cred}, err
	}
	return BuyQuoteResult{Quote: quote, Credential: cred}, nil
}

// BuyOptionsResult is the raw options document with its credential.
type BuyOptionsResult struct {
	Options    json.RawMessage
	Credential Credential
}

// BuyOptions calls GET /onramp/v1/buy/options.
func (c *Client) BuyOptions(ctx context.Context, country, networks string) (BuyOptionsResult, error) {
	query := url.Values{}
	if country != "" {
		query.Set("country", country)
	}
	if networks != "" {
		query.Set("networks", networks)
	}

	cred, body, err := c.do(ctx, "buy_options", http.MethodGet, BuyOptionsPath, query, nil)
	if err != nil {
		return BuyOptionsResult{Credential: cred}, err
	}
	if !json.Valid(body) {
		return BuyOptionsResult{Credential: cred}, fmt.Errorf("%w: buy options body is not json", ErrUpstreamSchemaMismatch)
	}
	return BuyOptionsResult{Options: json.RawMessage(body), Credential: cred}, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, payload any) (Credential, []byte, error) {
	cred, err := c.signer.Issue(method, path, c.ttl)
	if err != nil {
		return Credential{}, nil, err
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return cred, nil, fmt.Errorf("encode %s payload: %w", endpoint, err)
		}
		body = bytes.NewReader(encoded)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return cred, nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordUpstreamCall(endpoint, 0, time.Since(start))
		return cred, nil, fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.RecordUpstreamCall(endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return cred, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Msg("cdp rejected request")
		return cred, nil, &UpstreamError{Endpoint: endpoint, Status: resp.StatusCode, Body: raw}
	}
	return cred, raw, nil
}
