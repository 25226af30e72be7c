package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/models"
)

type contextKey struct{}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by the middleware
func FromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(models.Principal)
	return p, ok
}

// Authenticator dispatches on the Authorization scheme
type Authenticator struct {
	Users   Gateway // "Bearer <jwt>"
	Workers Gateway // "Worker <id>:<secret>"
}

// Authenticate resolves an Authorization header value
func (a *Authenticator) Authenticate(ctx context.Context, header string) (models.Principal, error) {
	scheme, credential, ok := strings.Cut(strings.TrimSpace(header), " ")
	credential = strings.TrimSpace(credential)
	if !ok || credential == "" {
		return models.Principal{}, apperr.Unauthorized("missing or malformed Authorization header")
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		if a.Users != nil {
			return a.Users.Authenticate(ctx, credential)
		}
	case "worker":
		if a.Workers != nil {
			return a.Workers.Authenticate(ctx, credential)
		}
	}
	return models.Principal{}, apperr.Unauthorized("unsupported authorization scheme %q", scheme)
}

// Middleware authenticates every request and stores the principal in its
// context. Failures are passed to onError.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
