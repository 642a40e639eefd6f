package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"celo-onramp/internal/cdp"
	"celo-onramp/internal/config"
	"celo-onramp/internal/metrics"
	"celo-onramp/internal/onramp"
	"celo-onramp/internal/pricing"
	"celo-onramp/internal/quote"
	"celo-onramp/internal/swap"
)

const testWallet = "0x8ba1f109551bd432803012645ac136ddd64dba72"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePrices struct {
	cop  decimal.Decimal
	celo decimal.Decimal
	err  error
}

func (f *fakePrices) ResolveNetwork(network string) (string, error) {
	switch network {
	case "":
		return "mainnet", nil
	case "mainnet", "alfajores":
		return network, nil
	default:
		return "", fmt.Errorf("%w: %s", pricing.ErrUnsupportedNetwork, network)
	}
}

func (f *fakePrices) ExchangeRate(_ context.Context, network string) (pricing.ExchangeRate, error) {
	if f.err != nil {
		return pricing.ExchangeRate{}, f.err
	}
	if network == "" {
		network = "mainnet"
	}
	return pricing.ExchangeRate{Pair: pricing.PairCOPUSD, Network: network, Rate: f.cop, Source: pricing.SourceExternal, Tier: pricing.TierLive, ObservedAt: fixedNow}, nil
}

func (f *fakePrices) AssetPriceUSD(context.Context) (pricing.ExchangeRate, error) {
	if f.err != nil {
		return pricing.ExchangeRate{}, f.err
	}
	return pricing.ExchangeRate{Pair: pricing.PairCELOUSD, Rate: f.celo, Source: pricing.SourceExternal, Tier: pricing.TierLive}, nil
}

func (f *fakePrices) CCOPPriceUSD(ctx context.Context, network string) (pricing.CCOPPrice, error) {
	rate, err := f.ExchangeRate(ctx, network)
	if err != nil {
		return pricing.CCOPPrice{}, err
	}
	return pricing.CCOPPrice{PriceUSD: decimal.NewFromInt(1).DivRound(rate.Rate, 8), Rate: rate}, nil
}

type fakeResolver struct {
	result onramp.Result
	err    error
	got    onramp.Request
}

func (f *fakeResolver) Resolve(_ context.Context, req onramp.Request) (onramp.Result, error) {
	f.got = req
	return f.result, f.err
}

type fakeOnramp struct {
	token      cdp.SessionTokenResult
	tokenErr   error
	options    json.RawMessage
	optionsErr error
	tokenReq   cdp.SessionTokenRequest
}

func (f *fakeOnramp) RequestSessionToken(_ context.Context, req cdp.SessionTokenRequest) (cdp.SessionTokenResult, error) {
	f.tokenReq = req
	return f.token, f.tokenErr
}

func (f *fakeOnramp) BuyOptions(context.Context, string, string) (cdp.BuyOptionsResult, error) {
	if f.optionsErr != nil {
		return cdp.BuyOptionsResult{}, f.optionsErr
	}
	return cdp.BuyOptionsResult{Options: f.options}, nil
}

type fakeIssuer struct {
	err    error
	method string
	path   string
}

func (f *fakeIssuer) Issue(method, path string, ttl time.Duration) (cdp.Credential, error) {
	f.method, f.path = method, path
	if f.err != nil {
		return cdp.Credential{}, f.err
	}
	return cdp.Credential{Token: "signed.jwt", IssuedAt: fixedNow, ExpiresAt: fixedNow.Add(ttl)}, nil
}

type fakeContract struct{}

func (fakeContract) Info(context.Context) swap.ContractInfo {
	return swap.ContractInfo{
		Address:     "0x0000000000000000000000000000000000000000",
		Network:     "celo",
		FeePercent:  decimal.NewFromFloat(0.5),
		Description: "swap",
		Status:      swap.StatusPendingDeploy,
		Tokens:      map[string]string{"ccop": "0x8A567e2aE79CA692Bd748aB832081C45de4041eA"},
	}
}

type harness struct {
	server   *Server
	prices   *fakePrices
	resolver *fakeResolver
	onramp   *fakeOnramp
	issuer   *fakeIssuer
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	prices := &fakePrices{cop: decimal.NewFromInt(4000), celo: decimal.NewFromFloat(0.5)}
	builder := quote.NewBuilder(prices, quote.Policy{
		MinimumUSD:     map[string]decimal.Decimal{"CARD": decimal.NewFromInt(10)},
		DefaultMinimum: decimal.NewFromInt(1),
		FeePct:         decimal.NewFromFloat(2.9),
		NetworkFeeUSD:  decimal.NewFromFloat(0.01),
		SwapFeePct:     decimal.NewFromFloat(0.5),
		Validity:       5 * time.Minute,
	}, zerolog.Nop(),
		quote.WithClock(func() time.Time { return fixedNow }),
		quote.WithIDGenerator(func() string { return "quote-1" }),
	)
	h := &harness{
		prices: prices,
		resolver: &fakeResolver{result: onramp.Result{
			URL:           "https://pay.coinbase.com/buy/select-asset?sessionToken=sess-1",
			SessionToken:  "sess-1",
			Tier:          onramp.TierBuyQuote,
			Authenticated: true,
		}},
		onramp: &fakeOnramp{
			token:   cdp.SessionTokenResult{SessionToken: cdp.SessionToken{Token: "sess-1"}, Credential: cdp.Credential{Token: "signed.jwt"}},
			options: json.RawMessage(`{"payment_currencies":[{"id":"USD"}]}`),
		},
		issuer: &fakeIssuer{},
	}

	opts := Options{
		Server: config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		CDP: config.CDPConfig{
			DefaultCountry: "CO",
			DefaultNetwork: "celo",
			DefaultAsset:   "CGLD",
		},
		Version:       "test",
		CredentialTTL: 120 * time.Second,
		Now:           func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.server = New(Deps{
		Prices:   prices,
		Quotes:   builder,
		Checkout: h.resolver,
		Onramp:   h.onramp,
		Issuer:   h.issuer,
		Contract: fakeContract{},
	}, opts, zerolog.Nop())
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		dec := json.NewDecoder(rec.Body)
		dec.UseNumber()
		require.NoError(t, dec.Decode(&out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, "celo-onramp", body["service"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "2025-03-01T12:00:00Z", body["timestamp"])
	assert.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationIDEchoed(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(CorrelationIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(CorrelationIDHeader))
}

func TestGenerateJWT(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/api/generate-jwt", map[string]string{"walletAddress": testWallet})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "signed.jwt", body["jwt"])
	assert.Equal(t, json.Number("120"), body["expiresIn"])
	assert.Equal(t, common.HexToAddress(testWallet).Hex(), body["walletAddress"])
	assert.Equal(t, http.MethodGet, h.issuer.method)
	assert.Equal(t, cdp.BuyOptionsPath, h.issuer.path)
}

func TestGenerateJWTValidation(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/api/generate-jwt", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, body["error"])
	assert.NotEmpty(t, body["details"])
	assert.Empty(t, h.issuer.path, "validation must happen before signing")
}

func TestGenerateJWTSigningError(t *testing.T) {
	h := newHarness(t, nil)
	h.issuer.err = &cdp.SigningError{Err: fmt.Errorf("no key")}
	rec, body := h.do(t, http.MethodPost, "/api/generate-jwt", map[string]string{"walletAddress": testWallet})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "no key", body["details"])
}

func TestGenerateSessionToken(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/api/generate-session-token", map[string]any{"walletAddress": testWallet, "amount": 25})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sess-1", body["sessionToken"])
	assert.Equal(t, "signed.jwt", body["jwt"])
	assert.Equal(t, json.Number("25"), body["amount"])
	assert.Equal(t, []string{"CGLD"}, h.onramp.tokenReq.Assets)
	assert.Equal(t, []string{"celo"}, h.onramp.tokenReq.Blockchains)
	assert.Equal(t, "CO", h.onramp.tokenReq.Country)
}

func TestGenerateSessionTokenRequiresAmount(t *testing.T) {
	h := newHarness(t, nil)
	rec, _ := h.do(t, http.MethodPost, "/api/generate-session-token", map[string]any{"walletAddress": testWallet})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateSessionTokenForwardsUpstream(t *testing.T) {
	h := newHarness(t, nil)
	h.onramp.tokenErr = &cdp.UpstreamError{Endpoint: "token", Status: http.StatusForbidden, Body: []byte(`{"errorMessage":"not allowed"}`)}
	rec, body := h.do(t, http.MethodPost, "/api/generate-session-token", map[string]any{"walletAddress": testWallet, "amount": "25"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, json.Number("403"), body["status"])
	assert.Equal(t, map[string]any{"errorMessage": "not allowed"}, body["details"])
}

func TestGenerateBuyQuote(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/api/generate-buy-quote", map[string]any{
		"walletAddress": testWallet,
		"amount":        100000,
		"includeQr":     true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "buy_quote", body["tier"])
	assert.Equal(t, "sess-1", body["sessionToken"])
	assert.Equal(t, json.Number("4000"), body["tipo_cambio"])

	q := body["quote"].(map[string]any)
	assert.Equal(t, json.Number("25.00"), q["monto_usd"])
	assert.Equal(t, json.Number("100000"), q["monto_cop"])
	assert.Equal(t, json.Number("48.520000"), q["celo_a_comprar"])
	assert.Equal(t, json.Number("0.73"), q["fee_transaccion"])
	assert.Equal(t, json.Number("0.01"), q["fee_red"])
	assert.Equal(t, json.Number("0.74"), q["total_fees"])
	assert.Equal(t, "quote-1", q["quote_id"])
	assert.Equal(t, "2025-03-01T12:05:00Z", q["expira_en"])

	optimized := body["optimizedOnrampUrl"].(string)
	assert.Contains(t, optimized, "presetFiatAmount=25")
	assert.Contains(t, optimized, "sessionToken=sess-1")
	assert.True(t, strings.HasPrefix(body["qrCode"].(string), "data:image/png;base64,"))

	assert.True(t, h.resolver.got.AmountUSD.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, common.HexToAddress(testWallet).Hex(), h.resolver.got.WalletAddress)
}

func TestGenerateBuyQuoteBelowMinimum(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/api/generate-buy-quote", map[string]any{"walletAddress": testWallet, "amount": 10000})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, json.Number("2.50"), body["provided"])
	assert.Equal(t, json.Number("10.00"), body["minimum"])
	assert.Equal(t, onramp.Request{}, h.resolver.got, "no checkout call below minimum")
}

func TestGenerateBuyQuoteUnauthenticated(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.result = onramp.Result{
		URL:      "https://pay.coinbase.com/buy/select-asset?appId=app",
		Tier:     onramp.TierUnauthenticated,
		Failures: []error{fmt.Errorf("session_token: down")},
	}
	rec, body := h.do(t, http.MethodPost, "/api/generate-buy-quote", map[string]any{"walletAddress": testWallet, "amount": 100000})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, "unauthenticated", body["tier"])
	assert.NotEmpty(t, body["onrampUrl"])
	assert.NotEmpty(t, body["warning"])
}

func TestGenerateBuyQuoteRateUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.prices.err = pricing.ErrRateUnavailable
	rec, body := h.do(t, http.MethodPost, "/api/generate-buy-quote", map[string]any{"walletAddress": testWallet, "amount": 100000})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, body["error"])
}

func TestCOPUSDPrice(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/api/price/cop-usd?network=alfajores", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, json.Number("4000"), body["price"])
	assert.Equal(t, "1 USD = 4.000 COP", body["formattedPrice"])
	assert.Equal(t, "alfajores", body["network"])
	assert.Equal(t, "External", body["source"])
	assert.Equal(t, false, body["stale"])

	rec, _ = h.do(t, http.MethodGet, "/api/price/cop-usd?network=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCELOCCOPPrice(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/api/price/celo-ccop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	celo := body["celo"].(map[string]any)
	ccop := body["cCOP"].(map[string]any)
	assert.Equal(t, json.Number("0.5"), celo["price"])
	assert.Equal(t, "USD", celo["currency"])
	assert.Equal(t, json.Number("0.00025"), ccop["price"])
}

func TestBuyOptions(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/api/buy-options?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sess-1", body["sessionToken"])
	assert.Equal(t, "signed.jwt", body["jwt"])
	assert.Equal(t, "CO", body["country"])
	assert.Equal(t, "celo", body["networks"])

	data := body["data"].(map[string]any)
	assert.NotNil(t, data["options"])
	info := body["info_cop"].(map[string]any)
	assert.Equal(t, "1 USD = 4.000 COP", info["exchange_rate"])
}

func TestBuyOptionsDegradesWhenOptionsFail(t *testing.T) {
	h := newHarness(t, nil)
	h.onramp.optionsErr = &cdp.UpstreamError{Endpoint: "buy_options", Status: http.StatusUnauthorized}
	rec, body := h.do(t, http.MethodGet, "/api/buy-options?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Nil(t, data["options"])
	assert.NotEmpty(t, data["optionsError"])
}

func TestBuyOptionsRequiresWallet(t *testing.T) {
	h := newHarness(t, nil)
	rec, _ := h.do(t, http.MethodGet, "/api/buy-options", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSwapContract(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/api/swap-contract", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	contract := body["contract"].(map[string]any)
	assert.Equal(t, "pending_deploy", contract["status"])
	assert.Equal(t, json.Number("0.5"), contract["fee"])
	assert.Equal(t, "celo", contract["network"])
}

func TestRateLimitExemptsHealth(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	})
	defer h.server.limiter.Stop()

	rec, _ := h.do(t, http.MethodGet, "/api/price/cop-usd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body := h.do(t, http.MethodGet, "/api/price/cop-usd", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, body["error"])

	for i := 0; i < 3; i++ {
		rec, _ = h.do(t, http.MethodGet, "/api/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/api/health", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "celo_onramp_http_requests_total")
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, body["error"])
}

// metricValue reads a gauge or counter from the application registry.
func metricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := metrics.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestPanickingHandlerIsCountedAndReleased(t *testing.T) {
	h := newHarness(t, nil)
	h.server.engine.GET("/api/boom", func(*gin.Context) { panic("boom") })

	labels := map[string]string{"method": "GET", "route": "/api/boom", "status": "500"}
	inflight := metricValue(t, "celo_onramp_http_inflight_requests", nil)
	failures := metricValue(t, "celo_onramp_http_requests_total", labels)

	rec, body := h.do(t, http.MethodGet, "/api/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["error"])

	assert.Equal(t, inflight, metricValue(t, "celo_onramp_http_inflight_requests", nil))
	assert.Equal(t, failures+1, metricValue(t, "celo_onramp_http_requests_total", labels))
}
