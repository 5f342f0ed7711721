// Package recovery turns handler panics into the relay's JSON 500 body.
package recovery

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/manto/manto-relay/internal/respond"
	"github.com/manto/manto-relay/internal/services"
)

// Recoverer recovers from panics in next. The panic value and stack are only
// echoed to the client when includeDetails is set.
func Recoverer(includeDetails bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww, ok := w.(middleware.WrapResponseWriter)
			if !ok {
				ww = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				stack := debug.Stack()
				zerolog.Ctx(r.Context()).Error().
					Interface("panic", rec).
					Bytes("stack", stack).
					Msg("panic recovered")

				// The status line is already out, so only the log entry remains.
				if ww.Status() != 0 {
					return
				}

				details := ""
				if includeDetails {
					details = fmt.Sprintf("%v\n%s", rec, stack)
				}
				respond.Error(ww, http.StatusInternalServerError, services.ErrorTypeServer, "Internal server error", details)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
