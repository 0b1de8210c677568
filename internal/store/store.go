// ABOUTME: Store interfaces and data types for converto-gateway persistence
// ABOUTME: Defines users, passkeys, magic links, tenant locks and the interfaces that read and write them

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique field (email, credential ID) already exists
var ErrDuplicate = errors.New("already exists")

// ErrVersionConflict is returned when a compare-and-set write finds a different version than expected
var ErrVersionConflict = errors.New("version conflict")

// User is an account that can authenticate into exactly one tenant.
type User struct {
	ID          string
	Email       string // unique, lowercase
	TenantID    string
	Roles       []string
	TOTPSecret  string // base32, empty when TOTP is not enrolled
	DisplayName string
	CreatedAt   time.Time
}

// PasskeyCredential is a registered WebAuthn credential bound to a user.
type PasskeyCredential struct {
	ID              string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
	CreatedAt       time.Time
}

// PasskeyChallenge is a server-side WebAuthn ceremony in progress.
// SessionData holds the serialized ceremony state; it is never echoed to clients.
type PasskeyChallenge struct {
	ID          string // opaque token handed to the client
	UserID      string // empty for discoverable login
	SessionData []byte
	ExpiresAt   time.Time
}

// MagicLink is a single-use email login grant.
type MagicLink struct {
	ID         string
	Email      string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// LockStatus is the state of a tenant lock record.
type LockStatus string

const (
	LockStatusUnlocked LockStatus = "unlocked"
	LockStatusLocked   LockStatus = "locked"
)

// RateMode is the rate limit posture applied to a locked tenant.
type RateMode string

const (
	RateModeNormal RateMode = "normal"
	RateModeHigh   RateMode = "high"
)

// TenantLock is the persisted lock record for a tenant.
// A tenant with no row is unlocked at version 0.
type TenantLock struct {
	TenantID  string
	Status    LockStatus
	Reason    string
	TTL       time.Duration
	RateMode  RateMode
	LockedBy  string
	LockedAt  time.Time
	Version   int64
	UpdatedAt time.Time
}

// UserStore reads and writes user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SetUserTOTPSecret(ctx context.Context, id, secret string) error
	ListUsers(ctx context.Context, tenantID string) ([]*User, error)
}

// PasskeyStore persists WebAuthn credentials and in-flight challenges.
type PasskeyStore interface {
	CreatePasskeyCredential(ctx context.Context, cred *PasskeyCredential) error
	GetPasskeyCredentialsByUser(ctx context.Context, userID string) ([]*PasskeyCredential, error)
	GetPasskeyCredentialByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error)
	UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error

	SavePasskeyChallenge(ctx context.Context, c *PasskeyChallenge) error
	// TakePasskeyChallenge reads and deletes a challenge in one step.
	// Expired or missing challenges return ErrNotFound.
	TakePasskeyChallenge(ctx context.Context, id string, now time.Time) (*PasskeyChallenge, error)
	DeleteExpiredPasskeyChallenges(ctx context.Context, now time.Time) (int64, error)
}

// MagicLinkStore persists magic link grants.
type MagicLinkStore interface {
	CreateMagicLink(ctx context.Context, link *MagicLink) error
	GetMagicLink(ctx context.Context, id string) (*MagicLink, error)
	// ConsumeMagicLink marks an unconsumed, unexpired link as used.
	// Any other state returns ErrNotFound, so a link can be consumed at most once.
	ConsumeMagicLink(ctx context.Context, id string, now time.Time) (*MagicLink, error)
}

// TenantLockStore persists tenant lock records.
type TenantLockStore interface {
	// GetTenantLock returns ErrNotFound when the tenant has never been locked.
	GetTenantLock(ctx context.Context, tenantID string) (*TenantLock, error)
	// SwapTenantLock writes the audit entry and then the new record in one
	// transaction, provided the stored version still equals expectedVersion.
	// On mismatch nothing is written and ErrVersionConflict is returned.
	SwapTenantLock(ctx context.Context, expectedVersion int64, next *TenantLock, audit *AuditEntry) error
}

// AuditStore appends to and reads the audit log.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	UserStore
	PasskeyStore
	MagicLinkStore
	TenantLockStore
	AuditStore
	Ping(ctx context.Context) error
	Close() error
}
