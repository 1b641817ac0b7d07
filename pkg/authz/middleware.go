package authz

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// AuthzMiddleware maps each request to a resource and verb with MapRequest
// and asks authorizer whether the identity from IdentityMiddleware may
// proceed. Unmapped requests are denied. namespace scopes the check.
func AuthzMiddleware(authorizer Authorizer, namespace string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapping := MapRequest(r.Method, r.URL.Path)
			if mapping == UnknownMapping {
				writeDenied(w, http.StatusForbidden, "forbidden", "unknown endpoint, access denied")
				return
			}

			id, _ := IdentityFromContext(r.Context())
			req := AuthzRequest{
				User:      id.User,
				Groups:    id.Groups,
				Resource:  mapping.Resource,
				Verb:      mapping.Verb,
				Namespace: namespace,
			}

			allowed, err := authorizer.Authorize(r.Context(), req)
			if err != nil {
				logger.Error("authorization check failed", "user", id.User,
					"resource", mapping.Resource, "verb", mapping.Verb, "error", err)
				writeDenied(w, http.StatusInternalServerError, "internal", "authorization check failed")
				return
			}
			if !allowed {
				writeDenied(w, http.StatusForbidden, "forbidden",
					fmt.Sprintf("%s may not %s %s", id.Actor(), mapping.Verb, mapping.Resource))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
