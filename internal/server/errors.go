package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"celo-onramp/internal/cdp"
	"celo-onramp/internal/pricing"
	"celo-onramp/internal/quote"
)

func writeError(c *gin.Context, status int, message, details string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   message,
		"details": details,
	})
}

// respondError maps domain errors onto status codes and the error body.
func (s *Server) respondError(c *gin.Context, err error) {
	var (
		validation *quote.ValidationError
		below      *quote.AmountBelowMinimumError
		upstream   *cdp.UpstreamError
		signing    *cdp.SigningError
	)

	switch {
	case errors.As(err, &validation):
		writeError(c, http.StatusBadRequest, "Invalid request", validation.Message)

	case errors.As(err, &below):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":         "Amount below minimum",
			"details":       below.Error(),
			"provided":      fixed(below.Provided, 2),
			"minimum":       fixed(below.Minimum, 2),
			"paymentMethod": below.PaymentMethod,
		})

	case errors.As(err, &upstream):
		status := upstream.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		c.AbortWithStatusJSON(status, gin.H{
			"error":   "CDP API error",
			"status":  upstream.Status,
			"details": upstreamDetails(upstream.Body),
		})

	case errors.As(err, &signing):
		s.logger.Error().Err(err).Str("correlation_id", GetCorrelationID(c)).Msg("credential signing failed")
		writeError(c, http.StatusInternalServerError, "Credential signing failed", signing.Err.Error())

	case errors.Is(err, cdp.ErrUpstreamSchemaMismatch):
		writeError(c, http.StatusBadGateway, "Unexpected CDP response", err.Error())

	case errors.Is(err, pricing.ErrUnsupportedNetwork):
		writeError(c, http.StatusBadRequest, "Unsupported network", err.Error())

	case errors.Is(err, pricing.ErrRateUnavailable):
		writeError(c, http.StatusServiceUnavailable, "Exchange rate unavailable", "try again shortly")

	case errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusGatewayTimeout, "Upstream timeout", err.Error())

	default:
		s.logger.Error().Err(err).Str("correlation_id", GetCorrelationID(c)).Msg("unhandled error")
		writeError(c, http.StatusInternalServerError, "Internal server error", err.Error())
	}
}

// upstreamDetails returns the body unchanged: JSON stays JSON, anything
// else becomes a string.
func upstreamDetails(body []byte) any {
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}
