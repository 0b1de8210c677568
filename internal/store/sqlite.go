// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Opens the database, applies pragmas, and creates the schema on first use

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names registered by the two SQLite packages.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLiteStore(DriverModernc, path)
}

// OpenSQLiteStore creates a SQLite store with an explicit driver name.
func OpenSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers so compare-and-set transactions
	// never race into SQLITE_BUSY, and keeps connection-scoped pragmas in effect.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			email        TEXT NOT NULL UNIQUE,
			tenant_id    TEXT NOT NULL,
			roles_json   TEXT NOT NULL DEFAULT '[]',
			totp_secret  TEXT,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id);

		CREATE TABLE IF NOT EXISTS webauthn_credentials (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			credential_id    BLOB NOT NULL UNIQUE,
			public_key       BLOB NOT NULL,
			attestation_type TEXT NOT NULL DEFAULT '',
			transports       TEXT,
			aaguid           BLOB,
			sign_count       INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_webauthn_credentials_user ON webauthn_credentials(user_id);

		CREATE TABLE IF NOT EXISTS webauthn_challenges (
			id           TEXT PRIMARY KEY,
			user_id      TEXT,
			session_data BLOB NOT NULL,
			expires_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_webauthn_challenges_expires ON webauthn_challenges(expires_at);

		CREATE TABLE IF NOT EXISTS magic_links (
			id          TEXT PRIMARY KEY,
			email       TEXT NOT NULL,
			expires_at  TEXT NOT NULL,
			consumed_at TEXT,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_magic_links_email ON magic_links(email);

		CREATE TABLE IF NOT EXISTS tenant_locks (
			tenant_id   TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			ttl_seconds INTEGER NOT NULL DEFAULT 0,
			rate_mode   TEXT NOT NULL DEFAULT 'normal',
			locked_by   TEXT NOT NULL DEFAULT '',
			locked_at   TEXT,
			version     INTEGER NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (status IN ('unlocked', 'locked')),
			CHECK (rate_mode IN ('normal', 'high'))
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN ('tenant_lock', 'tenant_unlock', 'tenant_lock_expired', 'create_user', 'enroll_totp'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Credentials registered before backup flags were tracked fail login
	// validation once the authenticator reports them, so add the columns.
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('webauthn_credentials') WHERE name = 'backup_eligible'`,
			apply:  `ALTER TABLE webauthn_credentials ADD COLUMN backup_eligible INTEGER NOT NULL DEFAULT 0`,
			column: "backup_eligible",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('webauthn_credentials') WHERE name = 'backup_state'`,
			apply:  `ALTER TABLE webauthn_credentials ADD COLUMN backup_state INTEGER NOT NULL DEFAULT 0`,
			column: "backup_state",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to webauthn_credentials: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "webauthn_credentials")
	}

	return nil
}

// Ping verifies the database connection is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatTime renders a timestamp in the fixed-width form used by every table,
// so lexical comparison in SQL matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
