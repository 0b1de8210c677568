// ABOUTME: Shared result and error contract for the credential verifiers
// ABOUTME: Every verifier resolves a proof to an auth.Identity or ErrVerificationFailed

package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/store"
)

// ErrVerificationFailed is the only error callers of a verifier act on.
// Store failures wrap it too, so callers never learn why a proof was refused.
var ErrVerificationFailed = errors.New("verification failed")

// Method labels for metrics and logs.
const (
	MethodTOTP      = "totp"
	MethodMagicLink = "magic_link"
	MethodPasskey   = "passkey"
)

// identityFor maps a stored user to the identity a session carries.
func identityFor(u *store.User) auth.Identity {
	roles := make([]string, len(u.Roles))
	copy(roles, u.Roles)
	return auth.Identity{
		Subject:  u.ID,
		TenantID: u.TenantID,
		Roles:    roles,
	}
}

// internalFailure wraps an infrastructure error so it still matches
// ErrVerificationFailed while keeping the cause for logs.
func internalFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrVerificationFailed, op, err)
}

// generateSecureToken returns n random bytes, base64url encoded without padding.
func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
