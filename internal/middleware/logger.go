package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tryon/internal/infra"
	"tryon/internal/metrics"
)

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logger logs one line per request and records its latency under the
// matched route pattern.
func Logger(l infra.Logger, m metrics.Pipeline) func(http.Handler) http.Handler {
	if m == nil {
		m = metrics.Noop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			m.ObserveRequest(r.Method, route, rw.status, elapsed)

			event := l.Info()
			if rw.status >= http.StatusInternalServerError {
				event = l.Error()
			}
			event.
				Str("request_id", RequestIDFromContext(r.Context())).
				Str("tenant_id", TenantIDFromContext(r.Context())).
				Str("route", route).
				Int("status", rw.status).
				Dur("elapsed", elapsed).
				Msgf("%s %s", r.Method, r.URL.Path)
		})
	}
}
