package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"groupsave/internal/core"
)

type ctxKey struct{}

// WithActor stores the authenticated actor in ctx.
func WithActor(ctx context.Context, a core.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFromContext returns the actor set by Middleware.
func ActorFromContext(ctx context.Context) (core.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(core.Actor)
	return a, ok && a.UserID != ""
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Middleware authenticates requests. Requests without a valid token are
// passed to onFail, which writes the 401 response.
func (m *JWTManager) Middleware(onFail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				onFail(w, r, err)
				return
			}
			claims, err := m.Validate(token)
			if err != nil {
				slog.DebugContext(r.Context(), "Rejected bearer token", "error", err)
				onFail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), claims.Actor())))
		})
	}
}
