// ABOUTME: TOTP verifier and enrollment backed by pquerna/otp
// ABOUTME: Six digits, 30 second period, one step of skew, SHA1; accepted codes cannot be replayed

package credentials

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/dedupe"
	"github.com/converto/converto-gateway/internal/metrics"
	"github.com/converto/converto-gateway/internal/store"
)

// TOTP parameters shared by enrollment and verification.
const (
	totpPeriod = 30
	totpSkew   = 1
	totpDigits = otp.DigitsSix
)

// dummyTOTPSecret is validated against when the user is unknown or not enrolled.
const dummyTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

// TOTPStore is the persistence a TOTP verifier needs.
type TOTPStore interface {
	store.UserStore
	store.AuditStore
}

// TOTPVerifier checks time-based one-time codes for enrolled users.
type TOTPVerifier struct {
	store   TOTPStore
	issuer  string
	used    *dedupe.Cache
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewTOTPVerifier creates a verifier. issuer is shown in authenticator apps.
func NewTOTPVerifier(s TOTPStore, issuer string, m *metrics.Metrics) *TOTPVerifier {
	return newTOTPVerifier(s, issuer, m, time.Now)
}

func newTOTPVerifier(s TOTPStore, issuer string, m *metrics.Metrics, now func() time.Time) *TOTPVerifier {
	if issuer == "" {
		issuer = "converto"
	}
	// A code stays valid for at most (2*skew+1) periods.
	window := time.Duration((2*totpSkew+1)*totpPeriod) * time.Second
	return &TOTPVerifier{
		store:   s,
		issuer:  issuer,
		used:    dedupe.NewWithClock(window, 10000, now),
		metrics: m,
		now:     now,
		logger:  slog.Default().With("component", "credentials.totp"),
	}
}

// Close stops the replay cache cleanup goroutine.
func (v *TOTPVerifier) Close() {
	v.used.Close()
}

func (v *TOTPVerifier) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Verify resolves (email, code) to the user's identity.
func (v *TOTPVerifier) Verify(ctx context.Context, email, code string) (auth.Identity, error) {
	code = strings.TrimSpace(code)

	user, err := v.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		v.logger.Error("user lookup failed", "error", err)
		v.metrics.ObserveCredential(MethodTOTP, metrics.OutcomeError)
		return auth.Identity{}, internalFailure("looking up user", err)
	}

	secret := dummyTOTPSecret
	enrolled := user != nil && user.TOTPSecret != ""
	if enrolled {
		secret = user.TOTPSecret
	}

	valid, err := totp.ValidateCustom(code, secret, v.now().UTC(), v.validateOpts())
	if err != nil || !valid || !enrolled {
		v.metrics.ObserveCredential(MethodTOTP, metrics.OutcomeDenied)
		return auth.Identity{}, ErrVerificationFailed
	}

	if v.used.CheckAndMark(user.ID + ":" + code) {
		v.logger.Warn("totp code replayed", "user_id", user.ID)
		v.metrics.ObserveCredential(MethodTOTP, metrics.OutcomeDenied)
		return auth.Identity{}, ErrVerificationFailed
	}

	v.metrics.ObserveCredential(MethodTOTP, metrics.OutcomeAllowed)
	v.logger.Info("totp verified", "user_id", user.ID, "tenant_id", user.TenantID)
	return identityFor(user), nil
}

// Enroll generates and stores a new TOTP secret for a user, replacing any
// existing one. The returned key carries the otpauth:// URL for QR display.
func (v *TOTPVerifier) Enroll(ctx context.Context, userID, actor string) (*otp.Key, error) {
	user, err := v.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: user.Email,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	if err := v.store.SetUserTOTPSecret(ctx, user.ID, key.Secret()); err != nil {
		return nil, err
	}

	if err := v.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     store.AuditEnrollTOTP,
		TargetType: "user",
		TargetID:   user.ID,
		Timestamp:  v.now().UTC(),
		Detail:     map[string]any{"tenant_id": user.TenantID},
	}); err != nil {
		v.logger.Warn("failed to audit totp enrollment", "user_id", user.ID, "error", err)
	}

	v.logger.Info("totp enrolled", "user_id", user.ID)
	return key, nil
}
