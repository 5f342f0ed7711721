// Package requestlog tags every request with an id and a request-scoped
// zerolog logger, and emits one access log line when it completes.
package requestlog

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manto/manto-relay/internal/metrics"
)

const (
	HeaderRequestID = "X-Request-ID"

	// StatusClientClosedRequest marks requests abandoned by the client before
	// anything was written.
	StatusClientClosedRequest = 499

	maxRequestIDLength = 128
)

// Middleware attaches logger, enriched with request fields, to the request
// context. Handlers retrieve it with zerolog.Ctx.
func Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, requestID)

			event := logger.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Logger()
			ctx := event.WithContext(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				if r.Context().Err() != nil {
					status = StatusClientClosedRequest
				} else {
					status = http.StatusOK
				}
			}

			metrics.RecordRequest(routePattern(r), status)

			event.Info().
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
