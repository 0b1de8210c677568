// ABOUTME: Session token issuing and verification with asymmetric JWT signatures
// ABOUTME: Claims are typed and fail closed when sub, tid, iat or exp is missing

package auth

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is the session lifetime when none is configured.
const DefaultSessionTTL = 15 * time.Minute

// Session errors
var (
	// ErrUnauthenticated means no usable session: absent, forged, expired or malformed.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrWrongTenant means a valid session addressed a tenant other than its own.
	ErrWrongTenant = errors.New("wrong tenant")

	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// SessionClaims is the JWT payload of a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tid"`
	Roles    []string `json:"roles"`
}

// Validate is called by the jwt parser after the registered claim checks.
func (c SessionClaims) Validate() error {
	switch {
	case c.Subject == "":
		return fmt.Errorf("%w: sub", ErrMissingClaim)
	case c.TenantID == "":
		return fmt.Errorf("%w: tid", ErrMissingClaim)
	case c.IssuedAt == nil:
		return fmt.Errorf("%w: iat", ErrMissingClaim)
	case c.ExpiresAt == nil:
		return fmt.Errorf("%w: exp", ErrMissingClaim)
	}
	return nil
}

// Identity returns the identity carried by the claims.
func (c *SessionClaims) Identity() Identity {
	return Identity{Subject: c.Subject, TenantID: c.TenantID, Roles: slices.Clone(c.Roles)}
}

// Session is a freshly signed token and its metadata.
type Session struct {
	Token     string
	Identity  Identity
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TTL returns the session's lifetime.
func (s *Session) TTL() time.Duration {
	return s.ExpiresAt.Sub(s.IssuedAt)
}

// Option configures an issuer or verifier.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SessionVerifier checks session tokens with only the public key.
type SessionVerifier struct {
	publicKey crypto.PublicKey
	method    jwt.SigningMethod
	parser    *jwt.Parser
}

// NewSessionVerifier creates a verifier bound to a key, issuer and audience.
func NewSessionVerifier(publicKey crypto.PublicKey, issuer, audience string, opts ...Option) (*SessionVerifier, error) {
	method := SigningMethodFor(publicKey)
	if method == nil {
		return nil, ErrInvalidKey
	}
	if issuer == "" || audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	o := buildOptions(opts)

	return &SessionVerifier{
		publicKey: publicKey,
		method:    method,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{method.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(o.now),
		),
	}, nil
}

// Verify validates signature, algorithm, issuer, audience, expiry and required claims.
// Every failure wraps ErrUnauthenticated.
func (v *SessionVerifier) Verify(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrInvalidToken)
	}

	claims := &SessionClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrExpiredToken)
		}
		if errors.Is(err, ErrMissingClaim) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("%w: %w: %v", ErrUnauthenticated, ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrInvalidToken)
	}
	return claims, nil
}

// SessionIssuer signs identities into session tokens.
type SessionIssuer struct {
	signer   crypto.Signer
	method   jwt.SigningMethod
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	verifier *SessionVerifier
}

// NewSessionIssuer creates an issuer. A non-positive ttl uses DefaultSessionTTL.
func NewSessionIssuer(signer crypto.Signer, issuer, audience string, ttl time.Duration, opts ...Option) (*SessionIssuer, error) {
	verifier, err := NewSessionVerifier(signer.Public(), issuer, audience, opts...)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	o := buildOptions(opts)

	return &SessionIssuer{
		signer:   signer,
		method:   verifier.method,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      o.now,
		verifier: verifier,
	}, nil
}

// Verifier returns a verifier for tokens this issuer signs.
func (s *SessionIssuer) Verifier() *SessionVerifier {
	return s.verifier
}

// DefaultTTL returns the configured session lifetime.
func (s *SessionIssuer) DefaultTTL() time.Duration {
	return s.ttl
}

// Issue signs a new session for id. A non-positive ttl uses the issuer default.
func (s *SessionIssuer) Issue(id Identity, ttl time.Duration) (*Session, error) {
	if id.Subject == "" || id.TenantID == "" {
		return nil, fmt.Errorf("%w: identity requires subject and tenant", ErrMissingClaim)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	jti, err := generateJTI()
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}

	// NumericDate has second precision, so truncate to keep exp-iat exact.
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	roles := slices.Clone(id.Roles)
	if roles == nil {
		roles = []string{}
	}

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   id.Subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID: id.TenantID,
		Roles:    roles,
	}

	token, err := jwt.NewWithClaims(s.method, claims).SignedString(s.signer)
	if err != nil {
		return nil, fmt.Errorf("signing session token: %w", err)
	}

	return &Session{
		Token:     token,
		Identity:  Identity{Subject: id.Subject, TenantID: id.TenantID, Roles: slices.Clone(roles)},
		TokenID:   jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// Refresh verifies a current token and issues a new one for the same
// subject, tenant and roles with fresh iat, exp and jti.
func (s *SessionIssuer) Refresh(tokenString string) (*Session, error) {
	claims, err := s.verifier.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	return s.Issue(claims.Identity(), s.ttl)
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
