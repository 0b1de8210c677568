// Package credentials verifies the proofs a person presents to log in:
// a TOTP code, a magic link token, or a WebAuthn passkey assertion.
//
// A verifier either returns the auth.Identity of the user the proof belongs
// to or an error matching ErrVerificationFailed. It never issues sessions;
// the gateway hands the identity to the session issuer.
package credentials
