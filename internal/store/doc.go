// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with small,
// specialized interfaces composed into Store:
//
//   - UserStore: Accounts with tenant, roles, and optional TOTP secret
//   - PasskeyStore: WebAuthn credentials and in-flight ceremony challenges
//   - MagicLinkStore: Single-use email login grants
//   - TenantLockStore: Per-tenant lock records with compare-and-set writes
//   - AuditStore: Append-only log of privileged actions
//
// SQLiteStore implements all interfaces in a single struct. MockStore is an
// in-memory implementation with the same semantics for unit tests.
//
// # Drivers
//
// Two database/sql drivers are registered:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, cgo
//
// Select with OpenSQLiteStore(driver, path) or the database.driver config key.
//
// # Single-Use Records
//
// Magic links and passkey challenges must never be redeemed twice. Both are
// consumed by a conditional write inside a transaction: a magic link is
// updated only while consumed_at IS NULL and expires_at is in the future; a
// challenge is deleted as it is read. A second caller always sees ErrNotFound.
//
// # Tenant Locks
//
// Lock records carry a version. SwapTenantLock writes the audit entry first,
// then inserts (expected version 0) or updates (WHERE version = expected) the
// record, all in one transaction. A version mismatch returns
// ErrVersionConflict and rolls back the audit row with it, so every committed
// state change has exactly one audit entry and vice versa.
//
// # Timestamps
//
// All times are stored as RFC 3339 UTC text with second precision so that
// string comparison in SQL matches chronological order.
//
// # Error Handling
//
//   - ErrNotFound: Entity doesn't exist, expired, or already consumed
//   - ErrDuplicate: Unique email or credential ID already present
//   - ErrVersionConflict: Compare-and-set lost to a concurrent writer
package store
