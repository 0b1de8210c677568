// ABOUTME: User account persistence for the SQLite store
// ABOUTME: Users carry the tenant and roles that verified credentials resolve to

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeEmail lowercases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser stores a new user. Generates ID and CreatedAt if not set.
// Returns ErrDuplicate if the email is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = NormalizeEmail(u.Email)
	if u.Roles == nil {
		u.Roles = []string{}
	}

	rolesJSON, err := json.Marshal(u.Roles)
	if err != nil {
		return fmt.Errorf("marshaling roles: %w", err)
	}

	query := `
		INSERT INTO users (id, email, tenant_id, roles_json, totp_secret, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		u.ID,
		u.Email,
		u.TenantID,
		string(rolesJSON),
		nullString(u.TOTPSecret),
		u.DisplayName,
		formatTime(u.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("created user", "id", u.ID, "tenant_id", u.TenantID)
	return nil
}

const userColumns = `id, email, tenant_id, roles_json, totp_secret, display_name, created_at`

func scanUser(scanner interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	var rolesJSON, createdAtStr string
	var totpSecret sql.NullString

	if err := scanner.Scan(
		&u.ID,
		&u.Email,
		&u.TenantID,
		&rolesJSON,
		&totpSecret,
		&u.DisplayName,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(rolesJSON), &u.Roles); err != nil {
		return nil, fmt.Errorf("unmarshaling roles: %w", err)
	}
	u.TOTPSecret = totpSecret.String

	var err error
	u.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively.
// Returns ErrNotFound if no user has that email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, NormalizeEmail(email))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	return u, nil
}

// SetUserTOTPSecret stores or clears (empty secret) a user's TOTP secret.
func (s *SQLiteStore) SetUserTOTPSecret(ctx context.Context, id, secret string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET totp_secret = ? WHERE id = ?`, nullString(secret), id)
	if err != nil {
		return fmt.Errorf("updating totp secret: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns users ordered by creation time. An empty tenantID lists all tenants.
func (s *SQLiteStore) ListUsers(ctx context.Context, tenantID string) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE (? = '' OR tenant_id = ?) ORDER BY created_at ASC, email ASC`

	rows, err := s.db.QueryContext(ctx, query, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}
