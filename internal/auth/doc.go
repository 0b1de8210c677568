// Package auth issues and verifies browser sessions for converto-gateway.
//
// # Sessions
//
// A session is a JWT signed with an asymmetric key (RS256 for RSA, ES256 for
// ECDSA P-256) carried in an HttpOnly cookie. Claims:
//
//   - sub: user ID
//   - tid: tenant ID, authoritative over any tenant the request names
//   - roles: role names
//   - iat, exp, iss, aud: standard registered claims
//   - jti: random token ID, used only for log correlation
//
// SessionIssuer holds the private key and signs tokens; SessionVerifier only
// needs the public key. Missing sub, tid, iat or exp fails verification.
//
//	issuer, _ := auth.NewSessionIssuer(signer, "converto", "converto-web", 15*time.Minute)
//	session, _ := issuer.Issue(auth.Identity{Subject: u.ID, TenantID: u.TenantID}, 0)
//	cookies.Write(w, session)
//
// Refresh re-verifies a current token and re-issues it with the same subject,
// tenant and roles; it never widens them. There is no server-side revocation
// list: sessions are short-lived and logout clears the cookie.
//
// # Tenant Gate
//
// TenantGate.Middleware runs on every protected route:
//
//  1. No cookie: 401
//  2. Bad signature, issuer, audience, expiry or claims: 401
//  3. X-Tenant-ID header or {tenant} path value differs from tid: 403
//  4. Otherwise the AuthContext is placed in the request context
//
// Client-supplied X-Authenticated-* headers are always removed and, on
// success, re-set from the token.
//
// # Keys
//
// Keys are PEM, given inline or as a file path. GenerateES256KeyPair creates
// a fresh P-256 pair for the keygen command and tests.
package auth
