package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/tripledger/internal/security"
	"github.com/example/tripledger/pkg/audit"
)

// AuditMiddleware records every mutating request after it completes. Read
// requests are not audited.
func AuditMiddleware(sink audit.Sink, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			actor, _ := ActorFromContext(r.Context())
			err := sink.Record(r.Context(), actor.ID, "http."+r.Method, "route", route, map[string]any{
				"cid":         security.CorrelationIDFromContext(r.Context()),
				"path":        r.URL.Path,
				"status":      sw.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if err != nil {
				log.Warn("audit record failed", zap.String("route", route), zap.Error(err))
			}
		})
	}
}
