package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/manto/manto-relay/internal/config"
	"github.com/manto/manto-relay/internal/respond"
	"github.com/manto/manto-relay/internal/services"
)

const timeoutMessage = "The request took too long. Try a smaller document, or split a large one into several requests."

// AnthropicClient is the upstream surface the handlers depend on.
type AnthropicClient interface {
	SendMessage(ctx context.Context, apiKey string, request *services.MessageRequest) ([]byte, error)
	GetModels(ctx context.Context, apiKey string) ([]byte, error)
	ValidateAPIKey(apiKey string) bool
}

type APIHandlers struct {
	config           *config.Config
	anthropicService AnthropicClient
}

func NewAPIHandlers(cfg *config.Config, anthropicService AnthropicClient) *APIHandlers {
	return &APIHandlers{
		config:           cfg,
		anthropicService: anthropicService,
	}
}

func (h *APIHandlers) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	configData := map[string]interface{}{
		"providers": []map[string]string{
			{
				"name":        "anthropic",
				"displayName": "Anthropic",
			},
		},
		"api": map[string]interface{}{
			"anthropicKeyPrefix": h.config.Anthropic.KeyPrefix,
			"messagesPath":       "/api/claude",
			"modelsPath":         "/api/models",
		},
		"defaults": map[string]interface{}{
			"model":       h.config.Anthropic.DefaultModel,
			"maxTokens":   h.config.Anthropic.MaxTokens,
			"temperature": h.config.Anthropic.Temperature,
			"timeoutMs":   h.config.Anthropic.Timeout.Milliseconds(),
		},
		"validation": map[string]interface{}{
			"maxBodyBytes":    h.config.Validation.MaxBodyBytes,
			"minApiKeyLength": h.config.Security.APIKeyMinLength,
		},
		"version": "1.0.0",
	}

	jsonData, err := json.Marshal(configData)
	if err != nil {
		http.Error(w, "Failed to generate config", http.StatusInternalServerError)
		return
	}

	configScript := fmt.Sprintf("window.RelayConfig = %s;", string(jsonData))

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=300") // 5 minutes
	w.Write([]byte(configScript))
}

// ModelsHandler relays GET /v1/models. The browser sends x-api-key, so a
// preflight always precedes the GET.
func (h *APIHandlers) ModelsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		respond.Error(w, http.StatusMethodNotAllowed, services.ErrorTypeMethodNotAllowed, "Method not allowed", "")
		return
	}

	apiKey := r.Header.Get("x-api-key")
	if apiKey == "" {
		respond.Error(w, http.StatusBadRequest, services.ErrorTypeInvalidRequest, services.ErrAPIKeyRequired.Error(), "")
		return
	}
	if !h.anthropicService.ValidateAPIKey(apiKey) {
		respond.Error(w, http.StatusBadRequest, services.ErrorTypeInvalidRequest, "Invalid API key format", "")
		return
	}

	modelsData, err := h.anthropicService.GetModels(r.Context(), apiKey)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	respond.Raw(w, http.StatusOK, modelsData)
}

// MessagesHandler relays one POST to the Anthropic messages endpoint. CORS
// headers are already on the response when it runs.
func (h *APIHandlers) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		respond.Error(w, http.StatusMethodNotAllowed, services.ErrorTypeMethodNotAllowed, "Method not allowed", "")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.Validation.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respond.Error(w, http.StatusRequestEntityTooLarge, services.ErrorTypeInvalidRequest,
				fmt.Sprintf("Request body too large (max %d bytes)", maxErr.Limit), "")
			return
		}
		respond.Error(w, http.StatusBadRequest, services.ErrorTypeInvalidRequest, "Failed to read request body", "")
		return
	}

	// An empty body decodes as {} so the credential check reports what is missing.
	var relayRequest services.RelayRequest
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &relayRequest); err != nil {
			respond.Error(w, http.StatusBadRequest, services.ErrorTypeInvalidRequest, "Invalid JSON format", "")
			return
		}
	}

	if relayRequest.APIKey == "" {
		relayRequest.APIKey = r.Header.Get("x-api-key")
	}

	if err := relayRequest.Validate(); err != nil {
		respond.Error(w, http.StatusBadRequest, services.ErrorTypeInvalidRequest, err.Error(), "")
		return
	}

	if !h.anthropicService.ValidateAPIKey(relayRequest.APIKey) {
		respond.Error(w, http.StatusBadRequest, services.ErrorTypeInvalidRequest, "Invalid API key format", "")
		return
	}

	messageRequest, err := services.NewMessageRequest(&relayRequest, h.config.Anthropic)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	logger.Debug().
		Str("model", messageRequest.Model).
		Int("max_tokens", messageRequest.MaxTokens).
		Bool("cache_control", relayRequest.HasCacheControl()).
		Msg("relaying message request")

	response, err := h.anthropicService.SendMessage(r.Context(), relayRequest.APIKey, messageRequest)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	respond.Raw(w, http.StatusOK, response)
}

func (h *APIHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := zerolog.Ctx(r.Context())

	var upstreamErr *services.UpstreamError
	switch {
	case errors.As(err, &upstreamErr):
		logger.Warn().
			Int("upstream_status", upstreamErr.UpstreamStatus).
			Str("error_type", upstreamErr.Type).
			Str("details", upstreamErr.Details).
			Msg("upstream returned error")
		respond.JSON(w, upstreamErr.StatusCode, upstreamErr.ToErrorBody())

	case errors.Is(err, services.ErrTimeout):
		logger.Warn().Err(err).Msg("upstream request timed out")
		respond.Error(w, http.StatusRequestTimeout, services.ErrorTypeTimeout, timeoutMessage, "")

	case errors.Is(err, context.Canceled):
		logger.Info().Err(err).Msg("client went away before the upstream answered")

	default:
		logger.Error().Err(err).Msg("relay request failed")
		details := ""
		if h.config.IsDevelopment() {
			details = err.Error()
		}
		respond.Error(w, http.StatusInternalServerError, services.ErrorTypeServer, "Internal server error", details)
	}
}
