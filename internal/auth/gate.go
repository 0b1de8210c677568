// ABOUTME: Tenant gate middleware that verifies the session cookie on every protected request
// ABOUTME: Rejects missing or invalid sessions with 401 and tenant mismatches with 403

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/converto/converto-gateway/internal/metrics"
)

// DefaultTenantHeader carries the tenant a request addresses.
const DefaultTenantHeader = "X-Tenant-ID"

// Headers set from the verified token for downstream handlers and proxies.
// Any client-supplied header with this prefix is removed first.
const (
	authenticatedHeaderPrefix = "X-Authenticated-"
	HeaderAuthenticatedUser   = "X-Authenticated-User"
	HeaderAuthenticatedTenant = "X-Authenticated-Tenant"
	HeaderAuthenticatedRoles  = "X-Authenticated-Roles"
)

// Gate results recorded in metrics.
const (
	gateAllowed         = "allowed"
	gateUnauthenticated = "unauthenticated"
	gateWrongTenant     = "wrong_tenant"
)

// TenantGate verifies sessions and enforces that requests stay inside the session's tenant.
type TenantGate struct {
	verifier     *SessionVerifier
	cookies      *CookieWriter
	tenantHeader string
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewTenantGate creates a gate. An empty tenantHeader uses DefaultTenantHeader.
func NewTenantGate(verifier *SessionVerifier, cookies *CookieWriter, tenantHeader string, m *metrics.Metrics) *TenantGate {
	if tenantHeader == "" {
		tenantHeader = DefaultTenantHeader
	}
	return &TenantGate{
		verifier:     verifier,
		cookies:      cookies,
		tenantHeader: tenantHeader,
		metrics:      m,
		logger:       slog.Default().With("component", "tenant-gate"),
	}
}

// Check runs the gate steps in order and returns the trusted context.
// Errors wrap ErrUnauthenticated or ErrWrongTenant.
func (g *TenantGate) Check(r *http.Request) (*AuthContext, error) {
	token := g.cookies.Read(r)
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	// Every header value counts, so a duplicated header cannot smuggle a second tenant.
	requested := append([]string{r.PathValue("tenant")}, r.Header.Values(g.tenantHeader)...)
	for _, tenant := range requested {
		if tenant != "" && tenant != claims.TenantID {
			return nil, ErrWrongTenant
		}
	}

	authCtx := &AuthContext{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Roles:    claims.Identity().Roles,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		authCtx.ExpiresAt = claims.ExpiresAt.Time
	}
	return authCtx, nil
}

// Middleware wraps next so it only runs for verified, tenant-matched requests.
func (g *TenantGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stripAuthenticatedHeaders(r.Header)

		authCtx, err := g.Check(r)
		if err != nil {
			if errors.Is(err, ErrWrongTenant) {
				g.metrics.ObserveGate(gateWrongTenant)
				g.logger.Warn("tenant mismatch", "path", r.URL.Path)
				WriteError(w, http.StatusForbidden, "wrong tenant")
				return
			}
			g.metrics.ObserveGate(gateUnauthenticated)
			g.logger.Debug("session rejected", "path", r.URL.Path, "error", err)
			WriteError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		g.metrics.ObserveGate(gateAllowed)
		r.Header.Set(HeaderAuthenticatedUser, authCtx.Subject)
		r.Header.Set(HeaderAuthenticatedTenant, authCtx.TenantID)
		r.Header.Set(HeaderAuthenticatedRoles, strings.Join(authCtx.Roles, ","))

		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

func stripAuthenticatedHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), authenticatedHeaderPrefix) {
			h.Del(name)
		}
	}
}
