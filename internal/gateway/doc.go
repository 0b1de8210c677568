// Package gateway orchestrates the converto-gateway server components.
//
// # Overview
//
// The gateway package wires the trust boundary together. It owns the store,
// the session issuer and tenant gate, the credential verifiers, the tenant
// lock state machine and the signed command handler, and it runs the HTTP
// server plus an optional gRPC health server.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Run opens TCP listeners, or tsnet listeners when tailscale.enabled is set
// (gRPC on :50051, HTTP on :80 or HTTPS on :443 with tailnet certificates).
// On cancellation it shuts the servers down with a five second deadline and
// closes the store.
//
// # HTTP Routes
//
// Anonymous and rate limited per client address:
//
//	POST /auth/totp                  verify email + code, set session cookie
//	POST /auth/magic-link            request a link, always 202
//	GET  /auth/magic-link/verify     redeem a link, set cookie, redirect to /
//	POST /auth/passkey/login/begin   discoverable assertion options
//	POST /auth/passkey/login/finish  verify assertion, set cookie
//
// Session lifecycle:
//
//	POST /auth/refresh   rotate the cookie, same identity
//	POST /auth/logout    expire the cookie
//
// Behind the tenant gate (401 without a valid session, 403 for another tenant):
//
//	POST /auth/passkey/register/begin
//	POST /auth/passkey/register/finish
//	GET  /api/me
//	GET  /api/tenants/{tenant}/users   also requires the admin role
//
// Signed commands and operator endpoints:
//
//	POST /commands/tenant-lock             HMAC signed, allow-listed actor
//	POST /admin/tenants/lock               operator bearer + allow-listed byUser
//	POST /admin/tenants/unlock             operator bearer + allow-listed byUser
//	GET  /admin/tenants/{tenant}/lock      operator bearer
//
// Health and metrics:
//
//	GET /health          liveness
//	GET /health/ready    store ping
//	GET /metrics         Prometheus, when metrics.enabled
//
// # Thread Safety
//
// All handlers are safe for concurrent use. Tenant lock transitions are
// serialized by the store's version check rather than by a gateway mutex.
package gateway
