// Package authz resolves the caller identity recorded as the actor of key
// and remediation operations, and optionally authorizes each request with a
// Kubernetes SubjectAccessReview. Authentication happens upstream; this
// package trusts the identity headers set by the fronting proxy.
package authz

import (
	"context"
	"net/http"
	"strings"
)

// Anonymous is the actor recorded when no identity header is present.
const Anonymous = "anonymous"

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity represents the authenticated user making a request.
type Identity struct {
	User   string
	Groups []string
}

// Actor returns the audit actor string for the identity, "user:<name>" for
// people and the raw name for service accounts and system callers.
func (id Identity) Actor() string {
	switch {
	case id.User == "":
		return Anonymous
	case strings.HasPrefix(id.User, "system:"):
		return id.User
	default:
		return "user:" + id.User
	}
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// ActorFromContext returns the actor of the request in ctx, or Anonymous.
func ActorFromContext(ctx context.Context) string {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return Anonymous
	}
	return id.Actor()
}

// IdentityMiddleware extracts identity from the X-Remote-User and
// X-Remote-Group (comma-separated) headers.
func IdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get("X-Remote-User"))

			var groups []string
			for _, g := range strings.Split(r.Header.Get("X-Remote-Group"), ",") {
				if g = strings.TrimSpace(g); g != "" {
					groups = append(groups, g)
				}
			}

			ctx := WithIdentity(r.Context(), Identity{User: user, Groups: groups})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
