package onramp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPayBaseURL is Coinbase's hosted checkout entry point.
const DefaultPayBaseURL = "https://pay.coinbase.com/buy/select-asset"

// Params are the checkout query parameters. Empty fields are omitted.
type Params struct {
	AppID                string
	SessionToken         string
	PresetFiatAmount     decimal.Decimal
	FiatCurrency         string
	DestinationAddress   string
	Blockchains          []string
	Assets               []string
	DefaultAsset         string
	DefaultNetwork       string
	Country              string
	DefaultPaymentMethod string
	DefaultExperience    string
	PartnerUserID        string
}

// BuildRedirectURL assembles a checkout URL. Query keys are sorted, so the
// same params always produce the same URL.
func BuildRedirectURL(base string, p Params) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = DefaultPayBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.New("base url must be http(s)")
	}

	q := u.Query()
	setIf(q, "appId", p.AppID)
	setIf(q, "sessionToken", p.SessionToken)
	if p.PresetFiatAmount.IsPositive() {
		q.Set("presetFiatAmount", p.PresetFiatAmount.String())
	}
	setIf(q, "fiatCurrency", p.FiatCurrency)
	if p.DestinationAddress != "" {
		q.Set("destinationAddress", p.DestinationAddress)
		if len(p.Blockchains) > 0 {
			addresses, err := json.Marshal(map[string][]string{p.DestinationAddress: p.Blockchains})
			if err != nil {
				return "", fmt.Errorf("encode addresses: %w", err)
			}
			q.Set("addresses", string(addresses))
		}
	}
	if len(p.Assets) > 0 {
		assets, err := json.Marshal(p.Assets)
		if err != nil {
			return "", fmt.Errorf("encode assets: %w", err)
		}
		q.Set("assets", string(assets))
	}
	setIf(q, "defaultAsset", p.DefaultAsset)
	setIf(q, "defaultNetwork", p.DefaultNetwork)
	setIf(q, "country", p.Country)
	setIf(q, "defaultPaymentMethod", p.DefaultPaymentMethod)
	setIf(q, "defaultExperience", p.DefaultExperience)
	setIf(q, "partnerUserId", p.PartnerUserID)

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Hints pre-select checkout options on an existing URL.
type Hints struct {
	DefaultNetwork       string
	DefaultAsset         string
	PresetFiatAmount     decimal.Decimal
	FiatCurrency         string
	DefaultPaymentMethod string
	DefaultExperience    string
	DestinationAddress   string
}

// Optimize overlays hints onto rawURL, replacing any existing values.
func Optimize(rawURL string, h Hints) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse onramp url: %w", err)
	}
	q := u.Query()
	setIf(q, "defaultNetwork", h.DefaultNetwork)
	setIf(q, "defaultAsset", h.DefaultAsset)
	if h.PresetFiatAmount.IsPositive() {
		q.Set("presetFiatAmount", h.PresetFiatAmount.String())
	}
	setIf(q, "fiatCurrency", h.FiatCurrency)
	setIf(q, "defaultPaymentMethod", h.DefaultPaymentMethod)
	setIf(q, "defaultExperience", h.DefaultExperience)
	setIf(q, "destinationAddress", h.DestinationAddress)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SessionTokenFrom extracts the sessionToken query value, if any.
func SessionTokenFrom(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("sessionToken")
}

func setIf(q url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		q.Set(key, value)
	}
}
