package httpx

import (
	"context"
	"net/http"
	"strings"
)

// HeaderActor carries the identity the upstream auth proxy vouched for.
const HeaderActor = "X-Actor-ID"

type actorKey struct{}

func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(HeaderActor)); id != "" {
			r = r.WithContext(context.WithValue(r.Context(), actorKey{}, id))
		}
		next.ServeHTTP(w, r)
	})
}

func ActorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// requireActor rejects staff operations that arrive without an identity.
func requireActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ActorFrom(r.Context()) == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing_actor", Message: HeaderActor + " header is required"})
			return
		}
		next(w, r)
	}
}
