// ABOUTME: Session HTTP endpoints and shared JSON helpers for the gateway API
// ABOUTME: Handles session refresh and logout, the /api/me identity view and the tenant user list

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/store"
	"github.com/converto/converto-gateway/internal/tenantlock"
)

// maxJSONBody bounds request bodies on JSON endpoints.
const maxJSONBody = 64 << 10

// Session issue reasons recorded in metrics.
const (
	reasonLogin   = "login"
	reasonRefresh = "refresh"
)

// SessionResponse is returned after a login or refresh. The token itself is
// only ever delivered in the cookie.
type SessionResponse struct {
	Subject   string    `json:"subject"`
	TenantID  string    `json:"tenantId"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TenantLockView is the lock state shown to callers.
type TenantLockView struct {
	TenantID  string     `json:"tenantId"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	TTL       int64      `json:"ttlSeconds,omitempty"`
	RateMode  string     `json:"rateMode,omitempty"`
	LockedBy  string     `json:"lockedBy,omitempty"`
	LockedAt  *time.Time `json:"lockedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Version   int64      `json:"version"`
}

// MeResponse describes the caller and the lock state of their tenant.
type MeResponse struct {
	SessionResponse
	TokenID    string          `json:"tokenId"`
	TenantLock *TenantLockView `json:"tenantLock"`
}

// newTenantLockView converts a record for operators. Tenant users get the
// same view with operator-only fields removed.
func newTenantLockView(rec *store.TenantLock, operatorView bool) *TenantLockView {
	v := &TenantLockView{
		TenantID: rec.TenantID,
		Status:   string(rec.Status),
		Version:  rec.Version,
	}
	if rec.Status != store.LockStatusLocked {
		return v
	}
	v.RateMode = string(rec.RateMode)
	v.TTL = int64(rec.TTL / time.Second)
	if exp := tenantlock.ExpiresAt(rec); !exp.IsZero() {
		v.ExpiresAt = &exp
	}
	if operatorView {
		v.Reason = rec.Reason
		v.LockedBy = rec.LockedBy
		lockedAt := rec.LockedAt
		v.LockedAt = &lockedAt
	}
	return v
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// startSession issues a session for id, sets the cookie and writes the response.
func (g *Gateway) startSession(w http.ResponseWriter, id auth.Identity, reason string, status int) {
	session, err := g.issuer.Issue(id, 0)
	if err != nil {
		g.logger.Error("failed to issue session", "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.metrics.ObserveSessionIssued(reason)
	g.cookies.Write(w, session)
	g.writeJSON(w, status, sessionResponse(session))
}

func sessionResponse(s *auth.Session) SessionResponse {
	roles := s.Identity.Roles
	if roles == nil {
		roles = []string{}
	}
	return SessionResponse{
		Subject:   s.Identity.Subject,
		TenantID:  s.Identity.TenantID,
		Roles:     roles,
		ExpiresAt: s.ExpiresAt,
	}
}

// handleRefresh rotates a valid session cookie into a fresh one with the same identity.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := g.cookies.Read(r)
	if token == "" {
		auth.WriteError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	session, err := g.issuer.Refresh(token)
	if err != nil {
		g.logger.Debug("refresh rejected", "error", err)
		g.cookies.Clear(w)
		auth.WriteError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	g.metrics.ObserveSessionIssued(reasonRefresh)
	g.cookies.Write(w, session)
	g.writeJSON(w, http.StatusOK, sessionResponse(session))
}

// handleLogout expires the session cookie.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	g.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the gated caller's identity and their tenant's lock state.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	lock, err := g.locks.Status(r.Context(), authCtx.TenantID)
	if err != nil {
		g.logger.Error("failed to read tenant lock", "tenant_id", authCtx.TenantID, "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, MeResponse{
		SessionResponse: SessionResponse{
			Subject:   authCtx.Subject,
			TenantID:  authCtx.TenantID,
			Roles:     authCtx.Roles,
			ExpiresAt: authCtx.ExpiresAt,
		},
		TokenID:    authCtx.TokenID,
		TenantLock: newTenantLockView(lock, false),
	})
}

// UserView is a tenant member as shown to that tenant's admins.
type UserView struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName,omitempty"`
	Roles        []string  `json:"roles"`
	TOTPEnrolled bool      `json:"totpEnrolled"`
	CreatedAt    time.Time `json:"createdAt"`
}

// handleListTenantUsers lists the members of the caller's tenant. The gate has
// already matched the {tenant} path value against the session.
func (g *Gateway) handleListTenantUsers(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	users, err := g.store.ListUsers(r.Context(), authCtx.TenantID)
	if err != nil {
		g.logger.Error("failed to list users", "tenant_id", authCtx.TenantID, "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, UserView{
			ID:           u.ID,
			Email:        u.Email,
			DisplayName:  u.DisplayName,
			Roles:        u.Roles,
			TOTPEnrolled: u.TOTPSecret != "",
			CreatedAt:    u.CreatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, views)
}
