package services

import (
	"bytes"
	"errors"

	json "github.com/goccy/go-json"

	"github.com/manto/manto-relay/internal/config"
	"github.com/manto/manto-relay/internal/metrics"
)

var (
	ErrAPIKeyRequired   = errors.New("API key is required")
	ErrMessagesRequired = errors.New("messages must be a non-empty array of message objects")
	ErrInvalidMaxTokens = errors.New("max_tokens must be greater than 0")
)

// RelayRequest is the body a browser client posts to the relay.
type RelayRequest struct {
	APIKey       string          `json:"apiKey"`
	Model        string          `json:"model"`
	MaxTokens    *int            `json:"max_tokens"`
	Temperature  *float64        `json:"temperature"`
	Messages     json.RawMessage `json:"messages"`
	System       json.RawMessage `json:"system"`
	CacheControl json.RawMessage `json:"cache_control"`
}

// Validate checks the fields the relay cannot default.
func (r *RelayRequest) Validate() error {
	if r.APIKey == "" {
		return ErrAPIKeyRequired
	}

	if !isJSONArray(r.Messages) {
		return ErrMessagesRequired
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(r.Messages, &messages); err != nil || len(messages) == 0 {
		return ErrMessagesRequired
	}
	for _, msg := range messages {
		if !isJSONObject(msg) {
			return ErrMessagesRequired
		}
	}

	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return ErrInvalidMaxTokens
	}

	return nil
}

// HasCacheControl reports whether the caller asked for prompt caching.
func (r *RelayRequest) HasCacheControl() bool {
	return !isEmptyJSON(r.CacheControl)
}

// MessageRequest is the payload sent to POST /v1/messages.
type MessageRequest struct {
	Model        string          `json:"model"`
	MaxTokens    int             `json:"max_tokens"`
	Temperature  *float64        `json:"temperature,omitempty"`
	System       json.RawMessage `json:"system,omitempty"`
	Messages     json.RawMessage `json:"messages"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// NewMessageRequest merges the caller's fields over the configured defaults.
// Messages are relayed byte for byte.
func NewMessageRequest(in *RelayRequest, defaults config.AnthropicConfig) (*MessageRequest, error) {
	req := &MessageRequest{
		Model:     defaults.DefaultModel,
		MaxTokens: defaults.MaxTokens,
		Messages:  in.Messages,
	}

	temperature := defaults.Temperature
	req.Temperature = &temperature

	if in.Model != "" {
		req.Model = in.Model
	}
	if in.MaxTokens != nil {
		req.MaxTokens = *in.MaxTokens
	}
	if in.Temperature != nil {
		t := *in.Temperature
		req.Temperature = &t
	}

	switch {
	case !isEmptyJSON(in.System):
		req.System = in.System
	case defaults.SystemMessage != "":
		system, err := json.Marshal(defaults.SystemMessage)
		if err != nil {
			return nil, err
		}
		req.System = system
	}

	if in.HasCacheControl() {
		req.CacheControl = in.CacheControl
	}

	return req, nil
}

// MessageResponse is the subset of a messages response the relay inspects.
// The body itself is always relayed verbatim.
type MessageResponse struct {
	ID    string        `json:"id"`
	Model string        `json:"model"`
	Usage metrics.Usage `json:"usage"`
}

// ErrorResponse is the Anthropic error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
