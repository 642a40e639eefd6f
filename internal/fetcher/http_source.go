package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	// price payloads are a few hundred bytes; anything past this is refused
	maxResponseBytes = 1 << 20

	defaultExchangeRateURL = "https://api.exchangerate-api.com/v4/latest/USD"
	defaultCoinGeckoURL    = "https://api.coingecko.com/api/v3/simple/price?ids=celo&vs_currencies=usd"
	defaultUserAgent       = "celo-onramp/1.0"
)

// HTTPOptions parameterise a JSON price feed.
type HTTPOptions struct {
	Name      string
	URL       string
	Path      string
	Timeout   time.Duration
	UserAgent string
	Retries   int
}

// HTTPSource reads a single numeric field out of a JSON document.
type HTTPSource struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPSource constructs a generic JSON rate source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Name == "" {
		opts.Name = "http"
	}

	return &HTTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "rate_source").Str("source", opts.Name).Logger(),
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// NewExchangeRateAPI reads COP per USD from exchangerate-api.com.
func NewExchangeRateAPI(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	if opts.URL == "" {
		opts.URL = defaultExchangeRateURL
	}
	if opts.Path == "" {
		opts.Path = "rates.COP"
	}
	if opts.Name == "" {
		opts.Name = "exchangerate-api"
	}
	return NewHTTPSource(opts, logger)
}

// NewCoinGecko reads the CELO price in USD from CoinGecko.
func NewCoinGecko(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	if opts.URL == "" {
		opts.URL = defaultCoinGeckoURL
	}
	if opts.Path == "" {
		opts.Path = "celo.usd"
	}
	if opts.Name == "" {
		opts.Name = "coingecko"
	}
	return NewHTTPSource(opts, logger)
}

// Name identifies the feed in logs and metrics.
func (s *HTTPSource) Name() string { return s.opts.Name }

// FetchRate performs the request, retrying transient failures with backoff.
func (s *HTTPSource) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	if s.opts.URL == "" {
		return decimal.Decimal{}, errors.New("rate source url not configured")
	}
	if s.opts.Path == "" {
		return decimal.Decimal{}, errors.New("rate source json path not configured")
	}

	var rate decimal.Decimal
	attempt := 0
	op := func() error {
		attempt++
		r, err := s.fetchOnce(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Int("attempt", attempt).Msg("rate fetch attempt failed")
			return err
		}
		rate = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = s.opts.Timeout
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.Retries)), ctx)

	if err := backoff.Retry(op, b); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", s.opts.Name, err)
	}
	return rate, nil
}

func (s *HTTPSource) fetchOnce(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return decimal.Decimal{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(payload) > maxResponseBytes {
		return decimal.Decimal{}, backoff.Permanent(fmt.Errorf("%s response exceeds %d bytes", s.opts.Name, maxResponseBytes))
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := parseHTTPError(s.opts.Name, resp.StatusCode, payload)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return decimal.Decimal{}, backoff.Permanent(httpErr)
		}
		return decimal.Decimal{}, httpErr
	}

	if !gjson.ValidBytes(payload) {
		return decimal.Decimal{}, backoff.Permanent(errors.New("response is not valid json"))
	}

	field := gjson.GetBytes(payload, s.opts.Path)
	if !field.Exists() {
		return decimal.Decimal{}, backoff.Permanent(fmt.Errorf("field %q not found in response", s.opts.Path))
	}
	if field.Type != gjson.Number {
		return decimal.Decimal{}, backoff.Permanent(fmt.Errorf("field %q is not numeric", s.opts.Path))
	}

	rate, err := decimal.NewFromString(field.Raw)
	if err != nil {
		return decimal.Decimal{}, backoff.Permanent(fmt.Errorf("parse %q: %w", s.opts.Path, err))
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, backoff.Permanent(fmt.Errorf("non-positive rate %s", rate))
	}
	return rate, nil
}

type errorResponse struct {
	Error       string `json:"error"`
	ErrorType   string `json:"error-type"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Description, apiErr.Message, apiErr.Error, apiErr.ErrorType} {
			if msg != "" {
				return fmt.Errorf("%s api error (%d): %s", name, status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", name, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", name, status)
}

var _ RateSource = (*HTTPSource)(nil)
