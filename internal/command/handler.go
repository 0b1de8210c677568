// ABOUTME: HTTP handler for signed chat-ops tenant lock commands
// ABOUTME: Authenticates the envelope, authorizes the actor, then applies the lock transition

package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/operator"
	"github.com/converto/converto-gateway/internal/store"
	"github.com/converto/converto-gateway/internal/tenantlock"
)

// maxBodyBytes bounds a command body.
const maxBodyBytes = 64 << 10

// Response is a Slack-compatible slash command reply.
type Response struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// Handler serves POST requests carrying signed tenant lock commands.
type Handler struct {
	auth   *Authenticator
	authz  operator.Authorizer
	locks  *tenantlock.Machine
	logger *slog.Logger
}

// NewHandler creates a command handler.
func NewHandler(a *Authenticator, authz operator.Authorizer, locks *tenantlock.Machine) *Handler {
	return &Handler{
		auth:   a,
		authz:  authz,
		locks:  locks,
		logger: slog.Default().With("component", "command"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		auth.WriteError(w, http.StatusRequestEntityTooLarge, "request too large")
		return
	}

	timestamp, signature := EnvelopeHeaders(r.Header)
	if err := h.auth.Authenticate(body, timestamp, signature); err != nil {
		h.logger.Warn("rejected command", "reason", err, "remote", r.RemoteAddr)
		auth.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		writeEphemeral(w, http.StatusBadRequest, Usage)
		return
	}
	req, err := ParseForm(values)
	if err != nil {
		h.logger.Debug("unparseable command", "error", err)
		writeEphemeral(w, http.StatusBadRequest, fmt.Sprintf("%v\n%s", err, Usage))
		return
	}

	if err := h.authz.Authorize(r.Context(), req.Actor, capabilityFor(req.Verb)); err != nil {
		h.logger.Warn("unauthorized command", "actor", req.Actor, "verb", req.Verb)
		writeEphemeral(w, http.StatusForbidden, "You are not allowed to run this command.")
		return
	}

	status, text := h.execute(r, req)
	writeEphemeral(w, status, text)
}

func (h *Handler) execute(r *http.Request, req *Request) (int, string) {
	ctx := r.Context()

	switch req.Verb {
	case VerbLock:
		rec, err := h.locks.Lock(ctx, tenantlock.LockRequest{
			TenantID: req.TenantID,
			Reason:   req.Reason,
			TTL:      req.TTL,
			RateMode: req.RateMode,
			Actor:    req.Actor,
		})
		switch {
		case err == nil:
			return http.StatusOK, fmt.Sprintf("Locked %s (reason: %s, ttl: %s, rate: %s).",
				rec.TenantID, orNone(rec.Reason), rec.TTL, rec.RateMode)
		case errors.Is(err, tenantlock.ErrAlreadyLocked):
			return http.StatusOK, fmt.Sprintf("%s is already locked by %s until %s.",
				rec.TenantID, rec.LockedBy, tenantlock.ExpiresAt(rec).Format(time.RFC3339))
		default:
			return h.failure(err)
		}

	case VerbUnlock:
		rec, err := h.locks.Unlock(ctx, req.TenantID, req.Reason, req.Actor)
		switch {
		case err == nil:
			return http.StatusOK, fmt.Sprintf("Unlocked %s.", rec.TenantID)
		case errors.Is(err, tenantlock.ErrNotLocked):
			return http.StatusOK, fmt.Sprintf("%s is not locked.", rec.TenantID)
		default:
			return h.failure(err)
		}

	default:
		rec, err := h.locks.Status(ctx, req.TenantID)
		if err != nil {
			return h.failure(err)
		}
		return http.StatusOK, describe(rec)
	}
}

func (h *Handler) failure(err error) (int, string) {
	if errors.Is(err, tenantlock.ErrInvalidRequest) {
		return http.StatusBadRequest, fmt.Sprintf("%v\n%s", err, Usage)
	}
	h.logger.Error("command failed", "error", err)
	return http.StatusInternalServerError, "The lock state could not be changed. Try again."
}

func capabilityFor(v Verb) operator.Capability {
	switch v {
	case VerbLock:
		return operator.CapabilityTenantLock
	case VerbUnlock:
		return operator.CapabilityTenantUnlock
	default:
		return operator.CapabilityTenantRead
	}
}

func describe(rec *store.TenantLock) string {
	if rec.Status != store.LockStatusLocked {
		return fmt.Sprintf("%s is not locked.", rec.TenantID)
	}
	return fmt.Sprintf("%s is locked by %s (reason: %s, rate: %s) until %s.",
		rec.TenantID, rec.LockedBy, orNone(rec.Reason), rec.RateMode,
		tenantlock.ExpiresAt(rec).Format(time.RFC3339))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func writeEphemeral(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{ResponseType: "ephemeral", Text: text})
}
