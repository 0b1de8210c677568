// ABOUTME: WebAuthn passkey verifier using go-webauthn
// ABOUTME: Challenges are issued per ceremony, persisted server-side, and consumed on first use

package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/metrics"
	"github.com/converto/converto-gateway/internal/store"
)

// DefaultChallengeTTL bounds how long a ceremony may take.
const DefaultChallengeTTL = 5 * time.Minute

// PasskeyStore is the persistence a passkey verifier needs.
type PasskeyStore interface {
	store.UserStore
	store.PasskeyStore
}

// PasskeyConfig configures a PasskeyVerifier.
type PasskeyConfig struct {
	BaseURL       string
	RPDisplayName string
	ChallengeTTL  time.Duration
}

// PasskeyVerifier runs WebAuthn login and registration ceremonies.
type PasskeyVerifier struct {
	webauthn     *webauthn.WebAuthn
	store        PasskeyStore
	challengeTTL time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
	logger       *slog.Logger
}

// webAuthnUser adapts a store user and its credentials to webauthn.User.
type webAuthnUser struct {
	user  *store.User
	creds []*store.PasskeyCredential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.creds))
	for i, c := range u.creds {
		creds[i] = toWebAuthnCredential(c)
	}
	return creds
}

func toWebAuthnCredential(c *store.PasskeyCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, len(c.Transports))
	for i, t := range c.Transports {
		transports[i] = protocol.AuthenticatorTransport(t)
	}
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

// deriveWebAuthnConfig extracts the RP ID and allowed origin from the
// deployment base URL. Empty or invalid URLs fall back to localhost.
func deriveWebAuthnConfig(baseURL string) (rpID string, rpOrigins []string) {
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, rpOrigins
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" || parsed.Hostname() == "" {
		return rpID, rpOrigins
	}

	return parsed.Hostname(), []string{parsed.Scheme + "://" + parsed.Host}
}

// NewPasskeyVerifier creates a verifier bound to the RP derived from cfg.BaseURL.
func NewPasskeyVerifier(s PasskeyStore, cfg PasskeyConfig, m *metrics.Metrics) (*PasskeyVerifier, error) {
	rpID, rpOrigins := deriveWebAuthnConfig(cfg.BaseURL)
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "converto"
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}

	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}

	return &PasskeyVerifier{
		webauthn:     w,
		store:        s,
		challengeTTL: cfg.ChallengeTTL,
		metrics:      m,
		now:          time.Now,
		logger:       slog.Default().With("component", "credentials.passkey", "rp_id", rpID),
	}, nil
}

// SetClock overrides time.Now for challenge expiry, for tests.
func (v *PasskeyVerifier) SetClock(now func() time.Time) {
	v.now = now
}

// saveChallenge persists ceremony state under a fresh opaque token.
func (v *PasskeyVerifier) saveChallenge(ctx context.Context, userID string, session *webauthn.SessionData) (string, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("encoding session: %w", err)
	}
	token, err := generateSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	if err := v.store.SavePasskeyChallenge(ctx, &store.PasskeyChallenge{
		ID:          token,
		UserID:      userID,
		SessionData: data,
		ExpiresAt:   v.now().UTC().Add(v.challengeTTL),
	}); err != nil {
		return "", fmt.Errorf("saving challenge: %w", err)
	}
	return token, nil
}

// takeChallenge consumes a stored ceremony. Missing and expired tokens fail.
func (v *PasskeyVerifier) takeChallenge(ctx context.Context, token string) (*store.PasskeyChallenge, *webauthn.SessionData, error) {
	if token == "" {
		return nil, nil, ErrVerificationFailed
	}
	challenge, err := v.store.TakePasskeyChallenge(ctx, token, v.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrVerificationFailed
	}
	if err != nil {
		return nil, nil, internalFailure("taking challenge", err)
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(challenge.SessionData, &session); err != nil {
		return nil, nil, internalFailure("decoding session", err)
	}
	return challenge, &session, nil
}

// BeginLogin starts a discoverable login and returns the assertion options
// plus the session token the client must echo back to FinishLogin.
func (v *PasskeyVerifier) BeginLogin(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	options, session, err := v.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", fmt.Errorf("beginning login: %w", err)
	}
	token, err := v.saveChallenge(ctx, "", session)
	if err != nil {
		return nil, "", err
	}
	return options, token, nil
}

// FinishLogin validates an assertion against the stored challenge and
// returns the identity of the credential's owner.
func (v *PasskeyVerifier) FinishLogin(ctx context.Context, sessionToken string, assertion []byte) (auth.Identity, error) {
	_, session, err := v.takeChallenge(ctx, sessionToken)
	if err != nil {
		return v.fail("challenge", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(assertion))
	if err != nil {
		return v.fail("parse", ErrVerificationFailed)
	}

	storedCred, err := v.store.GetPasskeyCredentialByCredentialID(ctx, parsed.RawID)
	if errors.Is(err, store.ErrNotFound) {
		return v.fail("unknown credential", ErrVerificationFailed)
	}
	if err != nil {
		return v.fail("credential lookup", internalFailure("looking up credential", err))
	}
	user, err := v.store.GetUser(ctx, storedCred.UserID)
	if err != nil {
		return v.fail("user lookup", internalFailure("looking up user", err))
	}
	allCreds, err := v.store.GetPasskeyCredentialsByUser(ctx, user.ID)
	if err != nil {
		return v.fail("credential list", internalFailure("listing credentials", err))
	}
	waUser := &webAuthnUser{user: user, creds: allCreds}

	credential, err := v.webauthn.ValidateDiscoverableLogin(func(rawID, userHandle []byte) (webauthn.User, error) {
		if !bytes.Equal(userHandle, waUser.WebAuthnID()) {
			return nil, errors.New("user handle mismatch")
		}
		return waUser, nil
	}, *session, parsed)
	if err != nil {
		v.logger.Warn("passkey assertion rejected", "user_id", user.ID, "error", err)
		return v.fail("assertion", ErrVerificationFailed)
	}
	if credential.Authenticator.CloneWarning {
		v.logger.Warn("passkey sign count regressed", "user_id", user.ID, "credential", storedCred.ID)
		return v.fail("clone warning", ErrVerificationFailed)
	}

	if err := v.store.UpdatePasskeySignCount(ctx, storedCred.ID, credential.Authenticator.SignCount); err != nil {
		v.logger.Warn("failed to update sign count", "credential", storedCred.ID, "error", err)
	}

	v.metrics.ObserveCredential(MethodPasskey, metrics.OutcomeAllowed)
	v.logger.Info("passkey login", "user_id", user.ID, "tenant_id", user.TenantID)
	return identityFor(user), nil
}

// BeginRegistration starts adding a passkey for an authenticated user.
func (v *PasskeyVerifier) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, string, error) {
	user, err := v.store.GetUser(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("looking up user: %w", err)
	}
	existing, err := v.store.GetPasskeyCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("listing credentials: %w", err)
	}
	waUser := &webAuthnUser{user: user, creds: existing}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, c := range waUser.WebAuthnCredentials() {
		exclusions = append(exclusions, c.Descriptor())
	}

	options, session, err := v.webauthn.BeginRegistration(waUser,
		webauthn.WithExclusions(exclusions),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	)
	if err != nil {
		return nil, "", fmt.Errorf("beginning registration: %w", err)
	}
	token, err := v.saveChallenge(ctx, user.ID, session)
	if err != nil {
		return nil, "", err
	}
	return options, token, nil
}

// FinishRegistration verifies an attestation and stores the new credential.
// The challenge must have been issued to the same user.
func (v *PasskeyVerifier) FinishRegistration(ctx context.Context, userID, sessionToken string, attestation []byte) (*store.PasskeyCredential, error) {
	challenge, session, err := v.takeChallenge(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if challenge.UserID == "" || challenge.UserID != userID {
		return nil, ErrVerificationFailed
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(attestation))
	if err != nil {
		return nil, ErrVerificationFailed
	}

	user, err := v.store.GetUser(ctx, userID)
	if err != nil {
		return nil, internalFailure("looking up user", err)
	}
	existing, err := v.store.GetPasskeyCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, internalFailure("listing credentials", err)
	}

	credential, err := v.webauthn.CreateCredential(&webAuthnUser{user: user, creds: existing}, *session, parsed)
	if err != nil {
		v.logger.Warn("passkey attestation rejected", "user_id", user.ID, "error", err)
		return nil, ErrVerificationFailed
	}

	transports := make([]string, len(credential.Transport))
	for i, t := range credential.Transport {
		transports[i] = string(t)
	}
	stored := &store.PasskeyCredential{
		ID:              uuid.New().String(),
		UserID:          user.ID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		Transports:      transports,
		AAGUID:          credential.Authenticator.AAGUID,
		SignCount:       credential.Authenticator.SignCount,
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
		CreatedAt:       v.now().UTC(),
	}
	if err := v.store.CreatePasskeyCredential(ctx, stored); err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	v.logger.Info("passkey registered", "user_id", user.ID, "credential", stored.ID)
	return stored, nil
}

// PurgeExpiredChallenges deletes abandoned ceremonies.
func (v *PasskeyVerifier) PurgeExpiredChallenges(ctx context.Context) (int64, error) {
	return v.store.DeleteExpiredPasskeyChallenges(ctx, v.now().UTC())
}

func (v *PasskeyVerifier) fail(stage string, err error) (auth.Identity, error) {
	outcome := metrics.OutcomeDenied
	if err != ErrVerificationFailed {
		outcome = metrics.OutcomeError
	}
	v.metrics.ObserveCredential(MethodPasskey, outcome)
	v.logger.Debug("passkey login failed", "stage", stage)
	return auth.Identity{}, err
}
