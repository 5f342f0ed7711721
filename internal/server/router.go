// Package server assembles the relay's HTTP router.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/manto/manto-relay/internal/config"
	"github.com/manto/manto-relay/internal/handlers"
	"github.com/manto/manto-relay/internal/middleware/ratelimit"
	"github.com/manto/manto-relay/internal/middleware/recovery"
	"github.com/manto/manto-relay/internal/middleware/requestlog"
	"github.com/manto/manto-relay/internal/middleware/security"
	"github.com/manto/manto-relay/internal/respond"
	"github.com/manto/manto-relay/internal/services"
)

// NewRouter wires the relay routes. CORS runs outermost so every response,
// including panics and rate-limit rejections, carries the headers.
func NewRouter(cfg *config.Config, logger zerolog.Logger, client handlers.AnthropicClient) http.Handler {
	apiHandlers := handlers.NewAPIHandlers(cfg, client)
	limiter := ratelimit.New(cfg.RateLimit)

	r := chi.NewRouter()
	r.Use(security.CORS(cfg.CORS))
	r.Use(middleware.RealIP)
	r.Use(requestlog.Middleware(logger))
	r.Use(recovery.Recoverer(cfg.IsDevelopment()))
	r.Use(security.SecurityHeaders(cfg))

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusMethodNotAllowed, services.ErrorTypeMethodNotAllowed, "Method not allowed", "")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusNotFound, services.ErrorTypeNotFound, "Not found", "")
	})

	r.Get("/config.js", apiHandlers.ConfigHandler)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		// Every verb reaches the handler so it can answer preflight and 405 itself.
		r.HandleFunc("/api/models", apiHandlers.ModelsHandler)
		r.HandleFunc("/api/claude", apiHandlers.MessagesHandler)
		r.HandleFunc("/api/messages", apiHandlers.MessagesHandler)
	})

	return r
}
