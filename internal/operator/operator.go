// ABOUTME: Operator authorization for privileged tenant lock actions
// ABOUTME: Capability checks against a configured allow-list plus the admin bearer credential

package operator

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/converto/converto-gateway/internal/auth"
)

// ErrUnauthorized is returned when an actor lacks the requested capability.
var ErrUnauthorized = errors.New("unauthorized")

// Capability names a privileged action.
type Capability string

const (
	CapabilityTenantLock   Capability = "tenant:lock"
	CapabilityTenantUnlock Capability = "tenant:unlock"
	CapabilityTenantRead   Capability = "tenant:read"
)

// Authorizer decides whether an actor may exercise a capability.
type Authorizer interface {
	Authorize(ctx context.Context, actor string, capability Capability) error
}

// AllowList grants every tenant lock capability to a fixed set of actors.
type AllowList struct {
	actors map[string]struct{}
}

// NewAllowList creates an allow-list. Blank entries are ignored.
func NewAllowList(actors []string) *AllowList {
	a := &AllowList{actors: make(map[string]struct{}, len(actors))}
	for _, actor := range actors {
		actor = strings.TrimSpace(actor)
		if actor != "" {
			a.actors[actor] = struct{}{}
		}
	}
	return a
}

// Authorize returns ErrUnauthorized unless actor is listed.
func (a *AllowList) Authorize(_ context.Context, actor string, capability Capability) error {
	if actor == "" {
		return fmt.Errorf("%w: no actor", ErrUnauthorized)
	}
	if _, ok := a.actors[actor]; !ok {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, actor, capability)
	}
	return nil
}

// Len returns the number of listed actors.
func (a *AllowList) Len() int {
	return len(a.actors)
}

// TokenGuard protects admin endpoints with a shared operator bearer token.
type TokenGuard struct {
	tokenHash [sha256.Size]byte
	enabled   bool
	logger    *slog.Logger
}

// NewTokenGuard creates a guard. An empty token disables the guarded endpoints.
func NewTokenGuard(token string) *TokenGuard {
	g := &TokenGuard{logger: slog.Default().With("component", "operator")}
	if token != "" {
		g.tokenHash = sha256.Sum256([]byte(token))
		g.enabled = true
	}
	return g
}

// Valid reports whether presented matches the operator token in constant time.
func (g *TokenGuard) Valid(presented string) bool {
	if !g.enabled || presented == "" {
		return false
	}
	h := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(h[:], g.tokenHash[:]) == 1
}

// Middleware rejects requests without the operator bearer token.
func (g *TokenGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled {
			auth.WriteError(w, http.StatusServiceUnavailable, "operator access not configured")
			return
		}
		token, errMsg := auth.BearerToken(r.Header.Get("Authorization"))
		if errMsg != "" || !g.Valid(token) {
			g.logger.Warn("rejected operator request", "path", r.URL.Path, "remote", r.RemoteAddr)
			auth.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
