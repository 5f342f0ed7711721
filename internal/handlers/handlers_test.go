package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manto/manto-relay/internal/config"
	"github.com/manto/manto-relay/internal/respond"
	"github.com/manto/manto-relay/internal/services"
)

const validBody = `{"apiKey":"sk-ant-1234567890","messages":[{"role":"user","content":"hello"}]}`

func createTestConfig() *config.Config {
	cfg := config.Default()

	cfg.Anthropic.BaseURL = "https://api.anthropic.com"
	cfg.Anthropic.DefaultModel = "claude-3-5-haiku"
	cfg.Anthropic.MaxTokens = 1024
	cfg.Anthropic.Temperature = 0.7
	cfg.Validation.MaxBodyBytes = 4096

	return cfg
}

// fakeClient records the last request and answers with canned values.
type fakeClient struct {
	body []byte
	err  error

	gotAPIKey  string
	gotRequest *services.MessageRequest
}

func (f *fakeClient) SendMessage(_ context.Context, apiKey string, request *services.MessageRequest) ([]byte, error) {
	f.gotAPIKey = apiKey
	f.gotRequest = request
	return f.body, f.err
}

func (f *fakeClient) GetModels(_ context.Context, apiKey string) ([]byte, error) {
	f.gotAPIKey = apiKey
	return f.body, f.err
}

func (f *fakeClient) ValidateAPIKey(apiKey string) bool {
	return apiKey != ""
}

// upstreamHandlers wires real services against a fake Anthropic API.
func upstreamHandlers(t *testing.T, cfg *config.Config, upstream http.HandlerFunc) *APIHandlers {
	t.Helper()
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)
	cfg.Anthropic.BaseURL = server.URL
	return NewAPIHandlers(cfg, services.NewAnthropicService(cfg))
}

func decodeError(t *testing.T, body []byte) respond.ErrorDetail {
	t.Helper()
	var resp respond.ErrorBody
	require.NoError(t, json.Unmarshal(body, &resp), "body: %s", body)
	return resp.Error
}

func TestMessagesHandlerRequestValidation(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		headers        map[string]string
		body           string
		expectedStatus int
		expectedType   string
		expectedError  string
	}{
		{
			name:           "GET is not allowed",
			method:         http.MethodGet,
			expectedStatus: http.StatusMethodNotAllowed,
			expectedType:   services.ErrorTypeMethodNotAllowed,
			expectedError:  "Method not allowed",
		},
		{
			name:           "PUT is not allowed",
			method:         http.MethodPut,
			body:           validBody,
			expectedStatus: http.StatusMethodNotAllowed,
			expectedType:   services.ErrorTypeMethodNotAllowed,
		},
		{
			name:           "invalid JSON returns 400",
			method:         http.MethodPost,
			body:           `{invalid json}`,
			expectedStatus: http.StatusBadRequest,
			expectedType:   services.ErrorTypeInvalidRequest,
			expectedError:  "Invalid JSON format",
		},
		{
			name:           "empty body names the missing API key",
			method:         http.MethodPost,
			expectedStatus: http.StatusBadRequest,
			expectedType:   services.ErrorTypeInvalidRequest,
			expectedError:  "API key is required",
		},
		{
			name:           "missing API key returns 400",
			method:         http.MethodPost,
			body:           `{"messages":[{"role":"user","content":"hello"}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedType:   services.ErrorTypeInvalidRequest,
			expectedError:  "API key is required",
		},
		{
			name:           "missing messages returns 400",
			method:         http.MethodPost,
			body:           `{"apiKey":"sk-ant-1234567890"}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "messages",
		},
		{
			name:           "non-array messages returns 400",
			method:         http.MethodPost,
			body:           `{"apiKey":"sk-ant-1234567890","messages":{"role":"user"}}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "messages",
		},
		{
			name:           "empty messages returns 400",
			method:         http.MethodPost,
			body:           `{"apiKey":"sk-ant-1234567890","messages":[]}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "messages",
		},
		{
			name:           "zero max tokens returns 400",
			method:         http.MethodPost,
			body:           `{"apiKey":"sk-ant-1234567890","max_tokens":0,"messages":[{"role":"user","content":"hello"}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "max_tokens must be greater than 0",
		},
		{
			name:           "oversized body returns 413",
			method:         http.MethodPost,
			body:           `{"apiKey":"sk-ant-1234567890","messages":[{"role":"user","content":"` + strings.Repeat("a", 5000) + `"}]}`,
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedError:  "Request body too large",
		},
		{
			name:           "API key from header is accepted",
			method:         http.MethodPost,
			headers:        map[string]string{"x-api-key": "sk-ant-from-header"},
			body:           `{"messages":[{"role":"user","content":"hello"}]}`,
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{body: []byte(`{"id":"msg_1"}`)}
			h := NewAPIHandlers(createTestConfig(), client)

			req := httptest.NewRequest(tt.method, "/api/claude", bytes.NewBufferString(tt.body))
			for key, value := range tt.headers {
				req.Header.Set(key, value)
			}
			w := httptest.NewRecorder()

			h.MessagesHandler(w, req)

			require.Equal(t, tt.expectedStatus, w.Code, "body: %s", w.Body.String())
			if tt.expectedStatus == http.StatusOK {
				return
			}

			assert.Nil(t, client.gotRequest, "upstream must not be called")
			errDetail := decodeError(t, w.Body.Bytes())
			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, errDetail.Type)
			}
			if tt.expectedError != "" {
				assert.Contains(t, errDetail.Message, tt.expectedError)
			}
		})
	}
}

func TestMessagesHandlerPreflight(t *testing.T) {
	client := &fakeClient{}
	h := NewAPIHandlers(createTestConfig(), client)

	w := httptest.NewRecorder()
	h.MessagesHandler(w, httptest.NewRequest(http.MethodOptions, "/api/claude", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Nil(t, client.gotRequest)
}

func TestMessagesHandlerMethodNotAllowedSetsAllow(t *testing.T) {
	h := NewAPIHandlers(createTestConfig(), &fakeClient{})

	w := httptest.NewRecorder()
	h.MessagesHandler(w, httptest.NewRequest(http.MethodDelete, "/api/claude", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "POST, OPTIONS", w.Header().Get("Allow"))
}

func TestMessagesHandlerKeyFormat(t *testing.T) {
	cfg := createTestConfig()
	cfg.Anthropic.KeyPrefix = "sk-ant-"
	cfg.Security.APIKeyMinLength = 10
	h := NewAPIHandlers(cfg, services.NewAnthropicService(cfg))

	w := httptest.NewRecorder()
	h.MessagesHandler(w, httptest.NewRequest(http.MethodPost, "/api/claude",
		strings.NewReader(`{"apiKey":"short","messages":[{"role":"user","content":"hi"}]}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid API key format", decodeError(t, w.Body.Bytes()).Message)
}

func TestMessagesHandlerMergesDefaults(t *testing.T) {
	client := &fakeClient{body: []byte(`{"id":"msg_1"}`)}
	h := NewAPIHandlers(createTestConfig(), client)

	w := httptest.NewRecorder()
	h.MessagesHandler(w, httptest.NewRequest(http.MethodPost, "/api/claude", strings.NewReader(validBody)))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sk-ant-1234567890", client.gotAPIKey)
	require.NotNil(t, client.gotRequest)
	assert.Equal(t, "claude-3-5-haiku", client.gotRequest.Model)
	assert.Equal(t, 1024, client.gotRequest.MaxTokens)
	assert.Equal(t, 0.7, *client.gotRequest.Temperature)
}

func TestMessagesHandlerUpstreamBehavior(t *testing.T) {
	const successBody = `{"id":"msg_01","type":"message","role":"assistant","content":[{"type":"text","text":"Bonjour"}],"model":"claude-3-5-haiku","stop_reason":"end_turn","usage":{"input_tokens":9,"output_tokens":3}}`

	tests := []struct {
		name           string
		upstreamStatus int
		upstreamBody   string
		expectedStatus int
		expectedType   string
		messageHas     string
	}{
		{
			name:           "success is relayed verbatim",
			upstreamStatus: http.StatusOK,
			upstreamBody:   successBody,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "upstream 401 becomes invalid credential",
			upstreamStatus: http.StatusUnauthorized,
			upstreamBody:   `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			expectedStatus: http.StatusUnauthorized,
			expectedType:   services.ErrorTypeAuthentication,
			messageHas:     "Invalid API key",
		},
		{
			name:           "upstream 429 becomes rate limited",
			upstreamStatus: http.StatusTooManyRequests,
			upstreamBody:   `{"type":"error","error":{"type":"rate_limit_error","message":"Number of requests has exceeded your rate limit"}}`,
			expectedStatus: http.StatusTooManyRequests,
			expectedType:   services.ErrorTypeRateLimit,
			messageHas:     "Rate limit",
		},
		{
			name:           "upstream 504 keeps its status",
			upstreamStatus: http.StatusGatewayTimeout,
			upstreamBody:   `upstream timed out`,
			expectedStatus: http.StatusGatewayTimeout,
			expectedType:   services.ErrorTypeGatewayTimeout,
		},
		{
			name:           "upstream 400 is a malformed request",
			upstreamStatus: http.StatusBadRequest,
			upstreamBody:   `{"type":"error","error":{"type":"invalid_request_error","message":"messages: roles must alternate"}}`,
			expectedStatus: http.StatusBadRequest,
			expectedType:   services.ErrorTypeInvalidRequest,
			messageHas:     "malformed",
		},
		{
			name:           "upstream 500 keeps its status",
			upstreamStatus: http.StatusInternalServerError,
			upstreamBody:   `{"type":"error","error":{"type":"api_error","message":"Internal server error"}}`,
			expectedStatus: http.StatusInternalServerError,
			expectedType:   services.ErrorTypeAPI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := upstreamHandlers(t, createTestConfig(), func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.upstreamStatus)
				_, _ = io.WriteString(w, tt.upstreamBody)
			})

			w := httptest.NewRecorder()
			h.MessagesHandler(w, httptest.NewRequest(http.MethodPost, "/api/claude", strings.NewReader(validBody)))

			require.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.upstreamBody, w.Body.String())
				return
			}

			errDetail := decodeError(t, w.Body.Bytes())
			assert.Equal(t, tt.expectedType, errDetail.Type)
			if tt.messageHas != "" {
				assert.Contains(t, errDetail.Message, tt.messageHas)
			}
		})
	}
}

func TestMessagesHandlerTimeout(t *testing.T) {
	cfg := createTestConfig()
	cfg.Anthropic.Timeout = config.Duration{Duration: 50 * time.Millisecond}
	h := upstreamHandlers(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	w := httptest.NewRecorder()
	h.MessagesHandler(w, httptest.NewRequest(http.MethodPost, "/api/claude", strings.NewReader(validBody)))

	assert.Equal(t, http.StatusRequestTimeout, w.Code)
	errDetail := decodeError(t, w.Body.Bytes())
	assert.Equal(t, "timeout_error", errDetail.Type)
	assert.Contains(t, errDetail.Message, "took too long")
}

func TestMessagesHandlerUnexpectedErrors(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		expectLeak  bool
	}{
		{name: "production hides details", environment: "production"},
		{name: "development shows details", environment: config.EnvDevelopment, expectLeak: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig()
			cfg.Environment = tt.environment
			h := NewAPIHandlers(cfg, &fakeClient{err: errors.New("network error: connection reset by peer")})

			w := httptest.NewRecorder()
			h.MessagesHandler(w, httptest.NewRequest(http.MethodPost, "/api/claude", strings.NewReader(validBody)))

			assert.Equal(t, http.StatusInternalServerError, w.Code)
			errDetail := decodeError(t, w.Body.Bytes())
			assert.Equal(t, services.ErrorTypeServer, errDetail.Type)
			assert.Equal(t, "Internal server error", errDetail.Message)
			if tt.expectLeak {
				assert.Contains(t, errDetail.Details, "connection reset")
			} else {
				assert.Empty(t, errDetail.Details)
			}
		})
	}
}

func TestModelsHandlerBehavior(t *testing.T) {
	t.Run("preflight returns 200 with empty body", func(t *testing.T) {
		client := &fakeClient{}
		h := NewAPIHandlers(createTestConfig(), client)

		req := httptest.NewRequest(http.MethodOptions, "/api/models", nil)
		req.Header.Set("Access-Control-Request-Headers", "x-api-key")
		w := httptest.NewRecorder()
		h.ModelsHandler(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Body.String())
		assert.Empty(t, client.gotAPIKey, "upstream must not be called")
	})

	t.Run("POST is not allowed", func(t *testing.T) {
		h := NewAPIHandlers(createTestConfig(), &fakeClient{})

		w := httptest.NewRecorder()
		h.ModelsHandler(w, httptest.NewRequest(http.MethodPost, "/api/models", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, "GET, OPTIONS", w.Header().Get("Allow"))
		assert.Equal(t, services.ErrorTypeMethodNotAllowed, decodeError(t, w.Body.Bytes()).Type)
	})

	t.Run("missing API key returns 400", func(t *testing.T) {
		h := NewAPIHandlers(createTestConfig(), &fakeClient{})

		w := httptest.NewRecorder()
		h.ModelsHandler(w, httptest.NewRequest(http.MethodGet, "/api/models", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeError(t, w.Body.Bytes()).Message, "API key is required")
	})

	t.Run("model list is relayed", func(t *testing.T) {
		h := upstreamHandlers(t, createTestConfig(), func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"data":[{"id":"claude-3-5-haiku","type":"model"}],"has_more":false}`)
		})

		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("x-api-key", "sk-ant-1234567890")
		w := httptest.NewRecorder()
		h.ModelsHandler(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"data":[{"id":"claude-3-5-haiku","type":"model"}],"has_more":false}`, w.Body.String())
	})

	t.Run("upstream 401 is mapped", func(t *testing.T) {
		h := upstreamHandlers(t, createTestConfig(), func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})

		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("x-api-key", "sk-ant-bad")
		w := httptest.NewRecorder()
		h.ModelsHandler(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, services.ErrorTypeAuthentication, decodeError(t, w.Body.Bytes()).Type)
	})
}

func TestConfigHandlerBehavior(t *testing.T) {
	h := NewAPIHandlers(createTestConfig(), &fakeClient{})

	w := httptest.NewRecorder()
	h.ConfigHandler(w, httptest.NewRequest(http.MethodGet, "/config.js", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "max-age=300")

	body := w.Body.String()
	require.True(t, strings.HasPrefix(body, "window.RelayConfig = "))

	jsonStr := body[strings.Index(body, "{") : strings.LastIndex(body, "}")+1]
	var configData map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(jsonStr), &configData))

	for _, section := range []string{"api", "providers", "defaults", "validation", "version"} {
		assert.Contains(t, configData, section)
	}

	defaults := configData["defaults"].(map[string]interface{})
	assert.Equal(t, "claude-3-5-haiku", defaults["model"])
	assert.Equal(t, float64(1024), defaults["maxTokens"])

	api := configData["api"].(map[string]interface{})
	assert.Equal(t, "/api/claude", api["messagesPath"])
}
