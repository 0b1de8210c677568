// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the verified session via context

package auth

import (
	"context"
	"slices"
	"time"
)

// Identity is what a verified credential resolves to and what a session token carries.
type Identity struct {
	Subject  string
	TenantID string
	Roles    []string
}

// AuthContext holds the identity extracted from a verified session token.
// Only the tenant gate populates it; handlers treat it as authoritative.
type AuthContext struct {
	Subject   string    // user ID from "sub"
	TenantID  string    // tenant from "tid"
	Roles     []string  // roles from "roles"
	TokenID   string    // "jti", for log correlation
	ExpiresAt time.Time // "exp"
}

// HasRole reports whether the session carries the given role.
func (a *AuthContext) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Identity returns the identity portion of the context.
func (a *AuthContext) Identity() Identity {
	return Identity{
		Subject:  a.Subject,
		TenantID: a.TenantID,
		Roles:    slices.Clone(a.Roles),
	}
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
