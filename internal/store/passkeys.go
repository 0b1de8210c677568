// ABOUTME: WebAuthn credential and challenge persistence for the SQLite store
// ABOUTME: Challenges are taken (read and deleted) in one transaction so each is usable once

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatePasskeyCredential stores a new WebAuthn credential.
// Returns ErrDuplicate if the credential ID is already registered.
func (s *SQLiteStore) CreatePasskeyCredential(ctx context.Context, cred *PasskeyCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	transportsJSON, err := json.Marshal(cred.Transports)
	if err != nil {
		return fmt.Errorf("marshaling transports: %w", err)
	}

	query := `
		INSERT INTO webauthn_credentials (id, user_id, credential_id, public_key, attestation_type, transports, aaguid, sign_count, backup_eligible, backup_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		cred.ID,
		cred.UserID,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		string(transportsJSON),
		cred.AAGUID,
		cred.SignCount,
		cred.BackupEligible,
		cred.BackupState,
		formatTime(cred.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting webauthn credential: %w", err)
	}

	s.logger.Info("created webauthn credential", "id", cred.ID, "user_id", cred.UserID)
	return nil
}

const passkeyColumns = `id, user_id, credential_id, public_key, attestation_type, transports, aaguid, sign_count, backup_eligible, backup_state, created_at`

func scanPasskeyCredential(scanner interface{ Scan(dest ...any) error }) (*PasskeyCredential, error) {
	var cred PasskeyCredential
	var createdAtStr string
	var transports sql.NullString

	if err := scanner.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.CredentialID,
		&cred.PublicKey,
		&cred.AttestationType,
		&transports,
		&cred.AAGUID,
		&cred.SignCount,
		&cred.BackupEligible,
		&cred.BackupState,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	if transports.String != "" {
		if err := json.Unmarshal([]byte(transports.String), &cred.Transports); err != nil {
			return nil, fmt.Errorf("unmarshaling transports: %w", err)
		}
	}

	var err error
	cred.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cred, nil
}

// GetPasskeyCredentialsByUser retrieves all WebAuthn credentials for a user.
func (s *SQLiteStore) GetPasskeyCredentialsByUser(ctx context.Context, userID string) ([]*PasskeyCredential, error) {
	query := `SELECT ` + passkeyColumns + ` FROM webauthn_credentials WHERE user_id = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying webauthn credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*PasskeyCredential
	for rows.Next() {
		cred, err := scanPasskeyCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webauthn credential: %w", err)
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webauthn credentials: %w", err)
	}
	return creds, nil
}

// GetPasskeyCredentialByCredentialID retrieves a WebAuthn credential by its credential ID.
func (s *SQLiteStore) GetPasskeyCredentialByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+passkeyColumns+` FROM webauthn_credentials WHERE credential_id = ?`, credentialID)
	cred, err := scanPasskeyCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying webauthn credential: %w", err)
	}
	return cred, nil
}

// UpdatePasskeySignCount updates the sign count for a credential.
func (s *SQLiteStore) UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error {
	result, err := s.db.ExecContext(ctx, `UPDATE webauthn_credentials SET sign_count = ? WHERE id = ?`, signCount, id)
	if err != nil {
		return fmt.Errorf("updating webauthn sign count: %w", err)
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

// SavePasskeyChallenge persists an in-flight WebAuthn ceremony.
func (s *SQLiteStore) SavePasskeyChallenge(ctx context.Context, c *PasskeyChallenge) error {
	query := `
		INSERT INTO webauthn_challenges (id, user_id, session_data, expires_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, c.ID, nullString(c.UserID), c.SessionData, formatTime(c.ExpiresAt)); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting webauthn challenge: %w", err)
	}
	return nil
}

// TakePasskeyChallenge reads and deletes a challenge. Expired challenges are
// deleted too but reported as ErrNotFound.
func (s *SQLiteStore) TakePasskeyChallenge(ctx context.Context, id string, now time.Time) (*PasskeyChallenge, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var c PasskeyChallenge
	var userID sql.NullString
	var expiresAtStr string
	err = tx.QueryRowContext(ctx,
		`SELECT id, user_id, session_data, expires_at FROM webauthn_challenges WHERE id = ?`, id,
	).Scan(&c.ID, &userID, &c.SessionData, &expiresAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying webauthn challenge: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM webauthn_challenges WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("deleting webauthn challenge: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil || n != 1 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing challenge take: %w", err)
	}

	c.UserID = userID.String
	c.ExpiresAt, err = parseTime(expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if !now.Before(c.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &c, nil
}

// DeleteExpiredPasskeyChallenges removes abandoned ceremonies and reports how many were removed.
func (s *SQLiteStore) DeleteExpiredPasskeyChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM webauthn_challenges WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired webauthn challenges: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted expired webauthn challenges", "count", n)
	}
	return n, nil
}
