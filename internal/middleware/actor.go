package middleware

import (
	"context"
	"net/http"
)

const headerActorID = "X-Actor-ID"

type actorCtxKey struct{}

// Actor stores the X-Actor-ID header in the request context. A missing
// header leaves the actor empty, which audits as a system action.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(headerActorID); id != "" {
			r = r.WithContext(WithActor(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// WithActor returns ctx carrying actor id.
func WithActor(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, id)
}

// ActorFromContext returns the actor stored in ctx, or "".
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorCtxKey{}).(string)
	return id
}
