// ABOUTME: HTTP endpoints for TOTP, magic link and passkey credential verification
// ABOUTME: Every successful verification becomes a session cookie via startSession

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/credentials"
)

// TOTPLoginRequest is the body of POST /auth/totp.
type TOTPLoginRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// MagicLinkRequest is the body of POST /auth/magic-link.
type MagicLinkRequest struct {
	Email string `json:"email"`
}

// PasskeyLoginBeginResponse carries the assertion options and the opaque
// token that identifies the server-side challenge.
type PasskeyLoginBeginResponse struct {
	Options      *protocol.CredentialAssertion `json:"options"`
	SessionToken string                        `json:"sessionToken"`
}

// PasskeyRegisterBeginResponse carries the creation options and challenge token.
type PasskeyRegisterBeginResponse struct {
	Options      *protocol.CredentialCreation `json:"options"`
	SessionToken string                       `json:"sessionToken"`
}

// PasskeyFinishRequest is the body of both finish endpoints.
type PasskeyFinishRequest struct {
	SessionToken string          `json:"sessionToken"`
	Response     json.RawMessage `json:"response"`
}

// writeVerificationError maps a verifier error to a generic response.
func (g *Gateway) writeVerificationError(w http.ResponseWriter, err error) {
	if errors.Is(err, credentials.ErrVerificationFailed) {
		auth.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	g.logger.Error("credential verification error", "error", err)
	auth.WriteError(w, http.StatusInternalServerError, "internal server error")
}

func (g *Gateway) handleTOTPLogin(w http.ResponseWriter, r *http.Request) {
	var req TOTPLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || req.Code == "" {
		auth.WriteError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	id, err := g.totp.Verify(r.Context(), req.Email, strings.TrimSpace(req.Code))
	if err != nil {
		g.writeVerificationError(w, err)
		return
	}
	g.startSession(w, id, reasonLogin, http.StatusOK)
}

// handleMagicLinkRequest always answers 202 so callers cannot probe for accounts.
func (g *Gateway) handleMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	var req MagicLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" {
		auth.WriteError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := g.magicLinks.Request(r.Context(), req.Email); err != nil {
		g.logger.Error("magic link request failed", "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleMagicLinkVerify redeems a link, sets the cookie and redirects home.
func (g *Gateway) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth.WriteError(w, http.StatusBadRequest, "token is required")
		return
	}

	id, err := g.magicLinks.Verify(r.Context(), token)
	if err != nil {
		g.writeVerificationError(w, err)
		return
	}

	session, err := g.issuer.Issue(id, 0)
	if err != nil {
		g.logger.Error("failed to issue session", "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.metrics.ObserveSessionIssued(reasonLogin)
	g.cookies.Write(w, session)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (g *Gateway) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	options, token, err := g.passkeys.BeginLogin(r.Context())
	if err != nil {
		g.logger.Error("failed to begin passkey login", "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, PasskeyLoginBeginResponse{Options: options, SessionToken: token})
}

func (g *Gateway) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req PasskeyFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionToken == "" || len(req.Response) == 0 {
		auth.WriteError(w, http.StatusBadRequest, "sessionToken and response are required")
		return
	}

	id, err := g.passkeys.FinishLogin(r.Context(), req.SessionToken, req.Response)
	if err != nil {
		g.writeVerificationError(w, err)
		return
	}
	g.startSession(w, id, reasonLogin, http.StatusOK)
}

// handlePasskeyRegisterBegin starts registration for the gated caller. The
// user is always the session subject, never a client-supplied id.
func (g *Gateway) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	options, token, err := g.passkeys.BeginRegistration(r.Context(), authCtx.Subject)
	if err != nil {
		g.logger.Error("failed to begin passkey registration", "user_id", authCtx.Subject, "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, PasskeyRegisterBeginResponse{Options: options, SessionToken: token})
}

func (g *Gateway) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req PasskeyFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionToken == "" || len(req.Response) == 0 {
		auth.WriteError(w, http.StatusBadRequest, "sessionToken and response are required")
		return
	}

	cred, err := g.passkeys.FinishRegistration(r.Context(), authCtx.Subject, req.SessionToken, req.Response)
	if errors.Is(err, credentials.ErrVerificationFailed) {
		auth.WriteError(w, http.StatusBadRequest, "registration failed")
		return
	}
	if err != nil {
		g.logger.Error("failed to finish passkey registration", "user_id", authCtx.Subject, "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusCreated, map[string]string{"id": cred.ID})
}
