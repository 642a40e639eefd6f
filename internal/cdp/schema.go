package cdp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TokenShape names which known session-token response layout matched.
type TokenShape string

const (
	// ShapeTopLevel is {"token": "...", "channel_id": "..."}.
	ShapeTopLevel TokenShape = "token"
	// ShapeEnvelope is {"data": {"token": "..."}}.
	ShapeEnvelope TokenShape = "data.token"
)

// SessionToken is a single-use checkout credential.
type SessionToken struct {
	Token     string
	ChannelID string
	Shape     TokenShape
	Raw       json.RawMessage
}

type topLevelTokenResponse struct {
	Token     *string `json:"token"`
	ChannelID string  `json:"channel_id"`
}

type envelopeTokenResponse struct {
	Data *struct {
		Token     *string `json:"token"`
		ChannelID string  `json:"channelId"`
	} `json:"data"`
}

// tokenParsers are tried in order; the first that matches wins.
var tokenParsers = []func([]byte) (SessionToken, bool){
	parseTopLevelToken,
	parseEnvelopeToken,
}

func parseTopLevelToken(body []byte) (SessionToken, bool) {
	var resp topLevelTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Token == nil || strings.TrimSpace(*resp.Token) == "" {
		return SessionToken{}, false
	}
	return SessionToken{Token: *resp.Token, ChannelID: resp.ChannelID, Shape: ShapeTopLevel}, true
}

func parseEnvelopeToken(body []byte) (SessionToken, bool) {
	var resp envelopeTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Data == nil || resp.Data.Token == nil || strings.TrimSpace(*resp.Data.Token) == "" {
		return SessionToken{}, false
	}
	return SessionToken{Token: *resp.Data.Token, ChannelID: resp.Data.ChannelID, Shape: ShapeEnvelope}, true
}

// ParseSessionToken decodes a token-endpoint body against the known shapes.
func ParseSessionToken(body []byte) (SessionToken, error) {
	for _, parse := range tokenParsers {
		if token, ok := parse(body); ok {
			token.Raw = append(json.RawMessage(nil), body...)
			return token, nil
		}
	}
	return SessionToken{}, fmt.Errorf("%w: session token not found in %d-byte body", ErrUpstreamSchemaMismatch, len(body))
}

// Amount is a CDP {value, currency} pair.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// BuyQuote is the parsed buy-quote response.
type BuyQuote struct {
	QuoteID         string          `json:"quote_id"`
	PaymentTotal    Amount          `json:"payment_total"`
	PaymentSubtotal Amount          `json:"payment_subtotal"`
	PurchaseAmount  Amount          `json:"purchase_amount"`
	CoinbaseFee     Amount          `json:"coinbase_fee"`
	NetworkFee      Amount          `json:"network_fee"`
	OnrampURL       string          `json:"onramp_url"`
	Raw             json.RawMessage `json:"-"`
}

// ParseBuyQuote decodes a buy-quote body; a quote id and purchase amount
// are required.
func ParseBuyQuote(body []byte) (BuyQuote, error) {
	var quote BuyQuote
	if err := json.Unmarshal(body, &quote); err != nil {
		return BuyQuote{}, fmt.Errorf("%w: %v", ErrUpstreamSchemaMismatch, err)
	}
	if quote.QuoteID == "" || quote.PurchaseAmount.Currency == "" {
		return BuyQuote{}, fmt.Errorf("%w: buy quote missing quote_id or purchase_amount", ErrUpstreamSchemaMismatch)
	}
	quote.Raw = append(json.RawMessage(nil), body...)
	return quote, nil
}
