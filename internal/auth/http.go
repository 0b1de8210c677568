// ABOUTME: HTTP helpers shared by the tenant gate and other authenticated handlers
// ABOUTME: Bearer token extraction, JSON error bodies, and role-scoped middleware

package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// BearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func BearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// WriteError writes a generic JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RequireRole creates an HTTP middleware that requires the session to carry role.
// Must be used after the tenant gate.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				WriteError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if !authCtx.HasRole(role) {
				WriteError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
