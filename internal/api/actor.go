package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/security"
)

// ActorHeader names the acting user. Authentication happens upstream.
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// ActorMiddleware resolves the acting user through the directory.
func ActorMiddleware(dir agents.Directory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(ActorHeader))
			if id == "" || dir == nil {
				security.WriteJSONError(w, r, http.StatusUnauthorized, "actor_required", ActorHeader+" is required")
				return
			}
			actor, err := dir.FindAgent(r.Context(), id)
			if err != nil {
				if apperr.IsKind(err, apperr.KindNotFound) {
					security.WriteJSONError(w, r, http.StatusUnauthorized, "unknown_actor", "")
					return
				}
				security.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	}
}

func ActorFromContext(ctx context.Context) (agents.Agent, bool) {
	a, ok := ctx.Value(actorKey{}).(agents.Agent)
	return a, ok
}

// RequireRole admits only actors holding one of roles.
func RequireRole(roles ...agents.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := ActorFromContext(r.Context())
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			security.WriteJSONError(w, r, http.StatusForbidden, "forbidden", "role "+string(actor.Role)+" may not do this")
		})
	}
}
