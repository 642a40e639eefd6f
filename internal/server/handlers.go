package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"celo-onramp/internal/cdp"
	"celo-onramp/internal/format"
	"celo-onramp/internal/logging"
	"celo-onramp/internal/onramp"
	"celo-onramp/internal/quote"
)

// fixed renders a decimal as a JSON number with a fixed scale.
func fixed(d decimal.Decimal, places int32) json.Number {
	return json.Number(d.StringFixed(places))
}

func exact(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func (s *Server) timestamp() string {
	return s.opts.Now().UTC().Format(time.RFC3339)
}

func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request", "body must be a JSON object")
		return false
	}
	return true
}

func requireAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &quote.ValidationError{Field: "amount", Message: "amount is required and must be positive"}
	}
	return nil
}

type walletRequest struct {
	WalletAddress string `json:"walletAddress"`
}

func (s *Server) generateJWT(c *gin.Context) {
	var req walletRequest
	if !s.bindJSON(c, &req) {
		return
	}
	wallet, err := quote.NormalizeWallet(req.WalletAddress)
	if err != nil {
		s.respondError(c, err)
		return
	}

	cred, err := s.deps.Issuer.Issue(http.MethodGet, cdp.BuyOptionsPath, s.opts.CredentialTTL)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"jwt":           cred.Token,
		"expiresIn":     cred.ExpiresIn(),
		"walletAddress": wallet,
	})
}

type sessionTokenRequest struct {
	WalletAddress string          `json:"walletAddress"`
	Amount        decimal.Decimal `json:"amount"`
	Country       string          `json:"country"`
}

func (s *Server) generateSessionToken(c *gin.Context) {
	var req sessionTokenRequest
	if !s.bindJSON(c, &req) {
		return
	}
	wallet, err := quote.NormalizeWallet(req.WalletAddress)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := requireAmount(req.Amount); err != nil {
		s.respondError(c, err)
		return
	}

	res, err := s.deps.Onramp.RequestSessionToken(c.Request.Context(), cdp.SessionTokenRequest{
		Address:     wallet,
		Assets:      []string{s.opts.CDP.DefaultAsset},
		Blockchains: []string{s.opts.CDP.DefaultNetwork},
		Country:     firstNonEmpty(req.Country, s.opts.CDP.DefaultCountry),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info().
		Str("correlation_id", GetCorrelationID(c)).
		Str("session_token", logging.Redact(res.Token)).
		Msg("session token issued")

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"sessionToken":  res.Token,
		"jwt":           res.Credential.Token,
		"walletAddress": wallet,
		"amount":        exact(req.Amount),
	})
}

type buyQuoteRequest struct {
	WalletAddress string          `json:"walletAddress"`
	Amount        decimal.Decimal `json:"amount"`
	Country       string          `json:"country"`
	PaymentMethod string          `json:"paymentMethod"`
	Network       string          `json:"network"`
	IncludeQR     bool            `json:"includeQr"`
}

func (s *Server) generateBuyQuote(c *gin.Context) {
	var req buyQuoteRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	q, err := s.deps.Quotes.Build(ctx, quote.Request{
		AmountCOP:     req.Amount,
		WalletAddress: req.WalletAddress,
		PaymentMethod: req.PaymentMethod,
		Network:       req.Network,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	res, err := s.deps.Checkout.Resolve(ctx, onramp.Request{
		WalletAddress: q.WalletAddress,
		AmountUSD:     q.AmountUSD,
		Country:       req.Country,
		PaymentMethod: q.PaymentMethod,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	optimized, err := onramp.Optimize(res.URL, onramp.Hints{
		DefaultNetwork:       s.opts.CDP.DefaultNetwork,
		DefaultAsset:         s.opts.CDP.DefaultAsset,
		PresetFiatAmount:     q.AmountUSD,
		FiatCurrency:         "USD",
		DefaultPaymentMethod: q.PaymentMethod,
		DefaultExperience:    "buy",
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	body := gin.H{
		"success": res.Authenticated,
		"quote": gin.H{
			"monto_usd":       fixed(q.AmountUSD, 2),
			"monto_cop":       fixed(q.SourceAmount, 0),
			"celo_a_comprar":  fixed(q.PurchaseAmount, 6),
			"fee_transaccion": fixed(q.Fees.TransactionFee, 2),
			"fee_red":         fixed(q.Fees.NetworkFee, 2),
			"total_fees":      fixed(q.Fees.Total(), 2),
			"quote_id":        q.ID,
			"onramp_url":      res.URL,
			"ccop_estimado":   fixed(q.EstimatedCCOP, 6),
			"expira_en":       q.ExpiresAt.UTC().Format(time.RFC3339),
		},
		"onrampUrl":          res.URL,
		"optimizedOnrampUrl": optimized,
		"sessionToken":       res.SessionToken,
		"tipo_cambio":        exact(q.ExchangeRate.Rate),
		"rateSource":         string(q.ExchangeRate.Source),
		"rateStale":          q.ExchangeRate.Stale,
		"authenticated":      res.Authenticated,
		"tier":               string(res.Tier),
	}
	if res.BuyQuote != nil {
		body["coinbaseQuote"] = gin.H{
			"quoteId":        res.BuyQuote.QuoteID,
			"paymentTotal":   amountBody(res.BuyQuote.PaymentTotal),
			"purchaseAmount": amountBody(res.BuyQuote.PurchaseAmount),
			"coinbaseFee":    amountBody(res.BuyQuote.CoinbaseFee),
			"networkFee":     amountBody(res.BuyQuote.NetworkFee),
		}
	}
	if !res.Authenticated {
		failures := make([]string, 0, len(res.Failures))
		for _, f := range res.Failures {
			failures = append(failures, f.Error())
		}
		body["warning"] = "checkout session could not be authenticated; the URL will not open a working checkout"
		body["failures"] = failures
	}
	if req.IncludeQR {
		qr, err := onramp.QRDataURL(optimized, s.opts.QRSize)
		if err != nil {
			s.logger.Warn().Err(err).Msg("qr code generation failed")
		} else {
			body["qrCode"] = qr
		}
	}

	c.JSON(http.StatusOK, body)
}

func amountBody(a cdp.Amount) gin.H {
	return gin.H{"value": exact(a.Value), "currency": a.Currency}
}

func (s *Server) copUSDPrice(c *gin.Context) {
	network, err := s.deps.Prices.ResolveNetwork(c.Query("network"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	rate, err := s.deps.Prices.ExchangeRate(c.Request.Context(), network)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"price":          exact(rate.Rate),
		"formattedPrice": format.RateLine(rate.Rate),
		"network":        network,
		"source":         string(rate.Source),
		"stale":          rate.Stale,
		"observedAt":     rate.ObservedAt.UTC().Format(time.RFC3339),
		"timestamp":      s.timestamp(),
	})
}

func (s *Server) celoCCOPPrice(c *gin.Context) {
	ctx := c.Request.Context()
	celo, err := s.deps.Prices.AssetPriceUSD(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	ccop, err := s.deps.Prices.CCOPPriceUSD(ctx, c.Query("network"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"celo": gin.H{
			"price":    exact(celo.Rate),
			"currency": "USD",
			"source":   string(celo.Source),
		},
		"cCOP": gin.H{
			"price":    exact(ccop.PriceUSD),
			"currency": "USD",
			"source":   string(ccop.Rate.Source),
		},
		"timestamp": s.timestamp(),
	})
}

func (s *Server) buyOptions(c *gin.Context) {
	ctx := c.Request.Context()
	country := firstNonEmpty(c.Query("country"), s.opts.CDP.DefaultCountry)
	networks := firstNonEmpty(c.Query("networks"), s.opts.CDP.DefaultNetwork)

	if strings.TrimSpace(c.Query("walletAddress")) == "" {
		writeError(c, http.StatusBadRequest, "Invalid request", "walletAddress is required to generate a session token")
		return
	}
	wallet, err := quote.NormalizeWallet(c.Query("walletAddress"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	chains := splitList(networks)

	token, err := s.deps.Onramp.RequestSessionToken(ctx, cdp.SessionTokenRequest{
		Address:     wallet,
		Assets:      []string{s.opts.CDP.DefaultAsset},
		Blockchains: chains,
		Country:     country,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	info := gin.H{
		"country":              country,
		"networks":             networks,
		"supported_currencies": []string{"COP", "USD"},
		"supported_networks":   chains,
	}
	if rate, err := s.deps.Prices.ExchangeRate(ctx, ""); err == nil {
		info["exchange_rate"] = format.RateLine(rate.Rate)
	}

	data := gin.H{
		"sessionToken": token.Token,
		"info_cop":     info,
	}
	if token.ChannelID != "" {
		data["channelId"] = token.ChannelID
	}

	opts, err := s.deps.Onramp.BuyOptions(ctx, country, networks)
	switch {
	case err == nil:
		data["options"] = opts.Options
	case ctx.Err() != nil:
		s.respondError(c, err)
		return
	default:
		s.logger.Warn().Err(err).Str("correlation_id", GetCorrelationID(c)).Msg("buy options unavailable")
		data["optionsError"] = err.Error()
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"data":         data,
		"sessionToken": token.Token,
		"jwt":          token.Credential.Token,
		"country":      country,
		"networks":     networks,
		"info_cop":     info,
	})
}

func (s *Server) swapContract(c *gin.Context) {
	info := s.deps.Contract.Info(c.Request.Context())
	contract := gin.H{
		"address":     info.Address,
		"network":     info.Network,
		"fee":         exact(info.FeePercent),
		"tokens":      info.Tokens,
		"status":      info.Status,
		"description": info.Description,
	}
	if info.Block > 0 {
		contract["block"] = info.Block
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "contract": contract})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"timestamp": s.timestamp(),
		"service":   s.opts.ServiceName,
		"version":   s.opts.Version,
	})
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
