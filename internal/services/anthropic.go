package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/manto/manto-relay/internal/config"
	"github.com/manto/manto-relay/internal/metrics"
)

const (
	messagesPath = "/v1/messages"
	modelsPath   = "/v1/models"

	// maxResponseBodyBytes caps what is buffered from the upstream.
	maxResponseBodyBytes int64 = 32 * 1024 * 1024
)

var errResponseBodyTooLarge = errors.New("response body too large")

type AnthropicService struct {
	config     *config.Config
	httpClient *http.Client
}

// NewAnthropicService builds a service whose client carries no overall
// timeout; each call is bounded by a context deadline instead.
func NewAnthropicService(cfg *config.Config) *AnthropicService {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &AnthropicService{
		config:     cfg,
		httpClient: &http.Client{Transport: transport},
	}
}

// SendMessage posts request to the messages endpoint and returns the upstream
// body untouched on success. Non-2xx answers come back as *UpstreamError and
// an expired deadline as ErrTimeout.
func (s *AnthropicService) SendMessage(ctx context.Context, apiKey string, request *MessageRequest) ([]byte, error) {
	if request == nil {
		return nil, errors.New("message request is nil")
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if len(request.CacheControl) > 0 && s.config.Anthropic.CacheBeta != "" {
		headers.Set("anthropic-beta", s.config.Anthropic.CacheBeta)
	}

	body, err := s.do(ctx, http.MethodPost, messagesPath, apiKey, jsonData, headers)
	if err != nil {
		return nil, err
	}

	var parsed MessageResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		model := parsed.Model
		if model == "" {
			model = request.Model
		}
		metrics.RecordTokens(model, parsed.Usage)
	}

	return body, nil
}

// GetModels lists the models visible to apiKey.
func (s *AnthropicService) GetModels(ctx context.Context, apiKey string) ([]byte, error) {
	return s.do(ctx, http.MethodGet, modelsPath, apiKey, nil, nil)
}

func (s *AnthropicService) ValidateAPIKey(apiKey string) bool {
	prefix := s.config.Anthropic.KeyPrefix
	minLength := s.config.Security.APIKeyMinLength

	return len(apiKey) >= minLength && strings.HasPrefix(apiKey, prefix)
}

func (s *AnthropicService) do(ctx context.Context, method, path, apiKey string, payload []byte, headers http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Anthropic.Timeout.Duration)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.Anthropic.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	s.setHeaders(req, apiKey, s.config.Anthropic.APIVersion)
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.RecordUpstream(path, 0, time.Since(start))
		return nil, s.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := readLimitedBody(resp.Body, maxResponseBodyBytes)
	metrics.RecordUpstream(path, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, s.transportError(ctx, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstreamErr := classifyUpstreamError(resp.StatusCode, body, s.config.Validation.ErrorDetailLimit)
		metrics.RecordError(upstreamErr.Type)
		return nil, upstreamErr
	}

	return body, nil
}

func (s *AnthropicService) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		metrics.RecordError(ErrorTypeTimeout)
		return fmt.Errorf("%w after %s: %v", ErrTimeout, s.config.Anthropic.Timeout.Duration, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", context.Canceled, err)
	}
	metrics.RecordError("network_error")
	return fmt.Errorf("network error: %w", err)
}

func (s *AnthropicService) setHeaders(req *http.Request, apiKey string, apiVersion string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("User-Agent", "MantoRelay/1.0")
}

// readLimitedBody reads up to maxBytes from reader and fails once the limit
// is exceeded.
func readLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, errResponseBodyTooLarge
	}
	return body, nil
}
