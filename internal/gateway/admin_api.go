// ABOUTME: Operator HTTP endpoints for locking, unlocking and reading tenant locks
// ABOUTME: Requests carry the operator bearer token and name the acting user checked against the allow-list

package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/command"
	"github.com/converto/converto-gateway/internal/operator"
	"github.com/converto/converto-gateway/internal/store"
	"github.com/converto/converto-gateway/internal/tenantlock"
)

// TenantLockRequest is the body of the admin lock and unlock endpoints.
type TenantLockRequest struct {
	TenantID string `json:"tenantId"`
	Reason   string `json:"reason"`
	TTL      string `json:"ttl,omitempty"`  // duration, "7d" style days allowed
	Rate     string `json:"rate,omitempty"` // normal or high
	ByUser   string `json:"byUser"`
}

// TenantLockResponse reports the record after a transition attempt.
type TenantLockResponse struct {
	Changed bool            `json:"changed"`
	Lock    *TenantLockView `json:"lock"`
}

// parseLockRequest decodes and validates the common fields.
func parseLockRequest(w http.ResponseWriter, r *http.Request) (*TenantLockRequest, string) {
	var req TenantLockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return nil, err.Error()
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.ByUser = strings.TrimSpace(req.ByUser)
	if req.TenantID == "" {
		return nil, "tenantId is required"
	}
	if req.ByUser == "" {
		return nil, "byUser is required"
	}
	return &req, ""
}

// authorizeOperator checks byUser against the allow-list for capability.
func (g *Gateway) authorizeOperator(w http.ResponseWriter, r *http.Request, actor string, capability operator.Capability) bool {
	if err := g.operators.Authorize(r.Context(), actor, capability); err != nil {
		g.logger.Warn("operator not allowed", "actor", actor, "capability", capability)
		auth.WriteError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// writeLockResult maps a machine result onto a status code.
func (g *Gateway) writeLockResult(w http.ResponseWriter, rec *store.TenantLock, err error) {
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusOK, TenantLockResponse{Changed: true, Lock: newTenantLockView(rec, true)})
	case errors.Is(err, tenantlock.ErrAlreadyLocked), errors.Is(err, tenantlock.ErrNotLocked):
		g.writeJSON(w, http.StatusConflict, TenantLockResponse{Changed: false, Lock: newTenantLockView(rec, true)})
	case errors.Is(err, tenantlock.ErrInvalidRequest):
		auth.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("tenant lock transition failed", "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) handleAdminLock(w http.ResponseWriter, r *http.Request) {
	req, msg := parseLockRequest(w, r)
	if req == nil {
		auth.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if !g.authorizeOperator(w, r, req.ByUser, operator.CapabilityTenantLock) {
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := command.ParseTTL(req.TTL)
		if err != nil {
			auth.WriteError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}
	rate, err := tenantlock.ParseRateMode(req.Rate)
	if err != nil {
		auth.WriteError(w, http.StatusBadRequest, "invalid rate")
		return
	}

	rec, err := g.locks.Lock(r.Context(), tenantlock.LockRequest{
		TenantID: req.TenantID,
		Reason:   req.Reason,
		TTL:      ttl,
		RateMode: rate,
		Actor:    req.ByUser,
	})
	g.writeLockResult(w, rec, err)
}

func (g *Gateway) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	req, msg := parseLockRequest(w, r)
	if req == nil {
		auth.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if req.TTL != "" || req.Rate != "" {
		auth.WriteError(w, http.StatusBadRequest, "ttl and rate only apply to lock")
		return
	}
	if !g.authorizeOperator(w, r, req.ByUser, operator.CapabilityTenantUnlock) {
		return
	}

	rec, err := g.locks.Unlock(r.Context(), req.TenantID, req.Reason, req.ByUser)
	g.writeLockResult(w, rec, err)
}

// handleAdminLockStatus returns the current record. Reads need only the
// operator token since no actor is named.
func (g *Gateway) handleAdminLockStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	rec, err := g.locks.Status(r.Context(), tenantID)
	if err != nil {
		g.logger.Error("failed to read tenant lock", "tenant_id", tenantID, "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, newTenantLockView(rec, true))
}
