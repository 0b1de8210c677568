// ABOUTME: Magic link issuance and single-use verification
// ABOUTME: Tokens carry the link ID and an HMAC bound to its expiry under an HKDF-derived key

package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/metrics"
	"github.com/converto/converto-gateway/internal/store"
)

// DefaultMagicLinkTTL is how long an issued link stays redeemable.
const DefaultMagicLinkTTL = 15 * time.Minute

// MagicLinkVerifyPath is where emailed links point.
const MagicLinkVerifyPath = "/auth/magic-link/verify"

const magicLinkKeyInfo = "converto-gateway magic link v1"

// Mailer delivers magic links. Delivery itself is out of scope for the gateway.
type Mailer interface {
	SendMagicLink(ctx context.Context, email, link string, expiresAt time.Time) error
}

// WriterMailer writes links to a writer, for development and tests.
type WriterMailer struct {
	W io.Writer
}

// SendMagicLink writes one line per link.
func (m WriterMailer) SendMagicLink(_ context.Context, email, link string, expiresAt time.Time) error {
	_, err := fmt.Fprintf(m.W, "magic link for %s (expires %s): %s\n", email, expiresAt.Format(time.RFC3339), link)
	return err
}

// MagicLinkStore is the persistence a magic link verifier needs.
type MagicLinkStore interface {
	store.UserStore
	store.MagicLinkStore
}

// MagicLinkConfig configures a MagicLinkVerifier.
type MagicLinkConfig struct {
	Secret  string
	TTL     time.Duration
	BaseURL string
}

// MagicLinkVerifier issues and redeems magic links.
type MagicLinkVerifier struct {
	store   MagicLinkStore
	key     []byte
	ttl     time.Duration
	baseURL string
	mailer  Mailer
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewMagicLinkVerifier derives the MAC key from cfg.Secret and returns a verifier.
func NewMagicLinkVerifier(s MagicLinkStore, cfg MagicLinkConfig, mailer Mailer, m *metrics.Metrics) (*MagicLinkVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("magic link secret is required")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(magicLinkKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving magic link key: %w", err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultMagicLinkTTL
	}
	return &MagicLinkVerifier{
		store:   s,
		key:     key,
		ttl:     cfg.TTL,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		mailer:  mailer,
		metrics: m,
		now:     time.Now,
		logger:  slog.Default().With("component", "credentials.magiclink"),
	}, nil
}

// SetClock overrides time.Now, for tests.
func (v *MagicLinkVerifier) SetClock(now func() time.Time) {
	v.now = now
}

func (v *MagicLinkVerifier) mac(id string, expiresAt time.Time) []byte {
	h := hmac.New(sha256.New, v.key)
	h.Write([]byte(id))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(expiresAt.Unix(), 10)))
	return h.Sum(nil)
}

// Issue stores a new link for email and returns its token.
func (v *MagicLinkVerifier) Issue(ctx context.Context, email string) (string, *store.MagicLink, error) {
	now := v.now().UTC().Truncate(time.Second)
	link := &store.MagicLink{
		ID:        uuid.New().String(),
		Email:     email,
		ExpiresAt: now.Add(v.ttl),
		CreatedAt: now,
	}
	if err := v.store.CreateMagicLink(ctx, link); err != nil {
		return "", nil, fmt.Errorf("storing magic link: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString([]byte(link.ID)) + "." +
		base64.RawURLEncoding.EncodeToString(v.mac(link.ID, link.ExpiresAt))
	return token, link, nil
}

// URL returns the verification URL for a token.
func (v *MagicLinkVerifier) URL(token string) string {
	return v.baseURL + MagicLinkVerifyPath + "?token=" + url.QueryEscape(token)
}

// Request issues a link for a known email and hands it to the mailer.
// Unknown emails succeed silently so callers cannot probe for accounts.
func (v *MagicLinkVerifier) Request(ctx context.Context, email string) error {
	user, err := v.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		v.logger.Debug("magic link requested for unknown email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up user: %w", err)
	}

	if v.mailer == nil {
		return errors.New("no mailer configured")
	}
	token, link, err := v.Issue(ctx, user.Email)
	if err != nil {
		return err
	}
	if err := v.mailer.SendMagicLink(ctx, user.Email, v.URL(token), link.ExpiresAt); err != nil {
		return fmt.Errorf("sending magic link: %w", err)
	}
	v.logger.Info("magic link sent", "user_id", user.ID)
	return nil
}

// Verify redeems a token. A token verifies at most once.
func (v *MagicLinkVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	id, sig, ok := decodeMagicLinkToken(token)
	if !ok {
		return v.deny("malformed token")
	}

	link, err := v.store.GetMagicLink(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return v.deny("unknown link")
	}
	if err != nil {
		return v.internal("reading magic link", err)
	}
	if !hmac.Equal(sig, v.mac(link.ID, link.ExpiresAt)) {
		return v.deny("bad mac")
	}

	consumed, err := v.store.ConsumeMagicLink(ctx, id, v.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return v.deny("expired or already used")
	}
	if err != nil {
		return v.internal("consuming magic link", err)
	}

	user, err := v.store.GetUserByEmail(ctx, consumed.Email)
	if errors.Is(err, store.ErrNotFound) {
		return v.deny("user removed")
	}
	if err != nil {
		return v.internal("looking up user", err)
	}

	v.metrics.ObserveCredential(MethodMagicLink, metrics.OutcomeAllowed)
	v.logger.Info("magic link verified", "user_id", user.ID, "tenant_id", user.TenantID)
	return identityFor(user), nil
}

func (v *MagicLinkVerifier) deny(reason string) (auth.Identity, error) {
	v.metrics.ObserveCredential(MethodMagicLink, metrics.OutcomeDenied)
	v.logger.Debug("magic link rejected", "reason", reason)
	return auth.Identity{}, ErrVerificationFailed
}

func (v *MagicLinkVerifier) internal(op string, err error) (auth.Identity, error) {
	v.metrics.ObserveCredential(MethodMagicLink, metrics.OutcomeError)
	v.logger.Error("magic link store failure", "op", op, "error", err)
	return auth.Identity{}, internalFailure(op, err)
}

func decodeMagicLinkToken(token string) (id string, sig []byte, ok bool) {
	idPart, sigPart, found := strings.Cut(token, ".")
	if !found || idPart == "" || sigPart == "" {
		return "", nil, false
	}
	rawID, err := base64.RawURLEncoding.DecodeString(idPart)
	if err != nil || len(rawID) == 0 {
		return "", nil, false
	}
	sig, err = base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil || len(sig) != sha256.Size {
		return "", nil, false
	}
	return string(rawID), sig, true
}
