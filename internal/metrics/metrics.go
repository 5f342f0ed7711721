// Package metrics provides Prometheus collectors for the relay.
// It tracks relayed requests, upstream latency, upstream failures and token usage.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "manto_relay"

var (
	// RequestsTotal counts handled requests by route and response status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the relay",
		},
		[]string{"route", "status"},
	)

	// UpstreamLatency tracks Anthropic API call latency.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Anthropic API call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180, 240, 300},
		},
		[]string{"endpoint", "status"},
	)

	// UpstreamErrors counts upstream failures by error type.
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by type",
		},
		[]string{"error_type"},
	)

	// TokenUsage tracks token consumption reported by successful responses.
	TokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_usage_total",
			Help:      "Total token usage reported by the Anthropic API",
		},
		[]string{"model", "type"}, // type: input, output, cache_creation, cache_read
	)

	// RateLimited counts requests rejected by the local limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the per-client rate limiter",
		},
	)
)

// RecordRequest records a handled request.
func RecordRequest(route string, statusCode int) {
	RequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
}

// RecordUpstream records one upstream round trip. statusCode is zero when no
// response was received.
func RecordUpstream(endpoint string, statusCode int, latency time.Duration) {
	status := "none"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	UpstreamLatency.WithLabelValues(endpoint, status).Observe(latency.Seconds())
}

// RecordError records an upstream error.
func RecordError(errorType string) {
	UpstreamErrors.WithLabelValues(errorType).Inc()
}

// Usage is the token accounting block of a messages response.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// RecordTokens records token usage metrics.
func RecordTokens(model string, usage Usage) {
	if model == "" {
		model = "unknown"
	}
	add := func(kind string, n int) {
		if n > 0 {
			TokenUsage.WithLabelValues(model, kind).Add(float64(n))
		}
	}
	add("input", usage.InputTokens)
	add("output", usage.OutputTokens)
	add("cache_creation", usage.CacheCreationInputTokens)
	add("cache_read", usage.CacheReadInputTokens)
}
