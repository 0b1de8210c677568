// ABOUTME: HTTP route table for the gateway
// ABOUTME: Binds credential, session, command and operator endpoints to their guards

package gateway

import (
	"net/http"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/command"
	"github.com/converto/converto-gateway/internal/ratelimit"
)

// Rate limit route names. Each has its own budget per client address.
const (
	routeTOTP            = "totp"
	routeMagicLink       = "magic_link"
	routeMagicLinkVerify = "magic_link_verify"
	routePasskeyLogin    = "passkey_login"
	routeCommand         = "command"
)

// roleTenantAdmin may list the users of its own tenant.
const roleTenantAdmin = "admin"

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	limited := func(route string, h http.HandlerFunc) http.Handler {
		return ratelimit.Middleware(g.limiter, route, nil, g.metrics)(h)
	}

	// Credential verification - anonymous, rate limited
	mux.Handle("POST /auth/totp", limited(routeTOTP, g.handleTOTPLogin))
	if g.magicLinks != nil {
		mux.Handle("POST /auth/magic-link", limited(routeMagicLink, g.handleMagicLinkRequest))
		mux.Handle("GET /auth/magic-link/verify", limited(routeMagicLinkVerify, g.handleMagicLinkVerify))
	}
	mux.Handle("POST /auth/passkey/login/begin", limited(routePasskeyLogin, g.handlePasskeyLoginBegin))
	mux.Handle("POST /auth/passkey/login/finish", limited(routePasskeyLogin, g.handlePasskeyLoginFinish))

	// Session lifecycle
	mux.HandleFunc("POST /auth/refresh", g.handleRefresh)
	mux.HandleFunc("POST /auth/logout", g.handleLogout)

	// Tenant-scoped endpoints behind the gate
	mux.Handle("POST /auth/passkey/register/begin", g.gate.Middleware(http.HandlerFunc(g.handlePasskeyRegisterBegin)))
	mux.Handle("POST /auth/passkey/register/finish", g.gate.Middleware(http.HandlerFunc(g.handlePasskeyRegisterFinish)))
	mux.Handle("GET /api/me", g.gate.Middleware(http.HandlerFunc(g.handleMe)))
	mux.Handle("GET /api/tenants/{tenant}/users",
		g.gate.Middleware(auth.RequireRole(roleTenantAdmin)(http.HandlerFunc(g.handleListTenantUsers))))

	// Signed chat-ops commands
	if g.commands != nil {
		handler := command.NewHandler(g.commands, g.operators, g.locks)
		mux.Handle("POST /commands/tenant-lock", ratelimit.Middleware(g.limiter, routeCommand, nil, g.metrics)(handler))
	}

	// Operator endpoints
	mux.Handle("POST /admin/tenants/lock", g.operatorGuard.Middleware(http.HandlerFunc(g.handleAdminLock)))
	mux.Handle("POST /admin/tenants/unlock", g.operatorGuard.Middleware(http.HandlerFunc(g.handleAdminUnlock)))
	mux.Handle("GET /admin/tenants/{tenant}/lock", g.operatorGuard.Middleware(http.HandlerFunc(g.handleAdminLockStatus)))

	return mux
}
