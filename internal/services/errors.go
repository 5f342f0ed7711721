package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/manto/manto-relay/internal/respond"
)

// Error types surfaced to relay clients in the error.type field.
const (
	ErrorTypeInvalidRequest   = "invalid_request_error"
	ErrorTypeMethodNotAllowed = "method_not_allowed"
	ErrorTypeAuthentication   = "authentication_error"
	ErrorTypeNotFound         = "not_found_error"
	ErrorTypeRateLimit        = "rate_limit_error"
	ErrorTypeGatewayTimeout   = "gateway_timeout_error"
	ErrorTypeTimeout          = "timeout_error"
	ErrorTypeAPI              = "api_error"
	ErrorTypeServer           = "server_error"
)

// ErrTimeout is returned when the upstream call outlives the configured
// Anthropic timeout.
var ErrTimeout = errors.New("upstream request timed out")

// UpstreamError is a non-2xx answer from the Anthropic API, already mapped to
// the status and message the relay sends back.
type UpstreamError struct {
	// StatusCode is the status the relay responds with.
	StatusCode int
	// UpstreamStatus is the status the Anthropic API returned.
	UpstreamStatus int
	Type           string
	Message        string
	// Details carries truncated upstream text for malformed and generic errors.
	Details string
}

func (e *UpstreamError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("anthropic API error (status %d): %s: %s", e.UpstreamStatus, e.Message, e.Details)
	}
	return fmt.Sprintf("anthropic API error (status %d): %s", e.UpstreamStatus, e.Message)
}

// ToErrorBody renders the error as the relay's JSON error body.
func (e *UpstreamError) ToErrorBody() respond.ErrorBody {
	return respond.ErrorBody{Error: respond.ErrorDetail{Type: e.Type, Message: e.Message, Details: e.Details}}
}

// classifyUpstreamError maps an upstream status and body to a client-facing
// error. detailLimit bounds the number of runes of upstream text kept.
func classifyUpstreamError(status int, body []byte, detailLimit int) *UpstreamError {
	e := &UpstreamError{StatusCode: status, UpstreamStatus: status}

	switch status {
	case http.StatusUnauthorized:
		e.Type = ErrorTypeAuthentication
		e.Message = "Invalid API key. Check your Anthropic API key and try again."
	case http.StatusTooManyRequests:
		e.Type = ErrorTypeRateLimit
		e.Message = "Rate limit exceeded. Wait a moment before sending another request."
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		e.Type = ErrorTypeGatewayTimeout
		e.Message = "The Anthropic API is temporarily unavailable or took too long to answer. Try again shortly."
	case http.StatusBadRequest:
		e.Type = ErrorTypeInvalidRequest
		e.Message = "The Anthropic API rejected the request as malformed."
		e.Details = truncate(upstreamErrorText(body), detailLimit)
	default:
		e.Type = ErrorTypeAPI
		e.Message = fmt.Sprintf("The Anthropic API returned an error (status %d).", status)
		e.Details = truncate(upstreamErrorText(body), detailLimit)
	}

	return e
}

// upstreamErrorText prefers the message of an Anthropic error envelope and
// falls back to the raw body.
func upstreamErrorText(body []byte) string {
	var envelope ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
