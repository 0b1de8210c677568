// ABOUTME: Magic link persistence for the SQLite store
// ABOUTME: Consumption is a single conditional UPDATE so concurrent redemptions cannot both succeed

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateMagicLink stores a new magic link grant.
func (s *SQLiteStore) CreateMagicLink(ctx context.Context, link *MagicLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	link.Email = NormalizeEmail(link.Email)

	query := `
		INSERT INTO magic_links (id, email, expires_at, consumed_at, created_at)
		VALUES (?, ?, ?, NULL, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, link.ID, link.Email, formatTime(link.ExpiresAt), formatTime(link.CreatedAt)); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting magic link: %w", err)
	}
	return nil
}

// ConsumeMagicLink marks the link consumed if it is unconsumed and unexpired.
// Returns ErrNotFound for unknown, expired, or already consumed links.
func (s *SQLiteStore) ConsumeMagicLink(ctx context.Context, id string, now time.Time) (*MagicLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowStr := formatTime(now)
	result, err := tx.ExecContext(ctx,
		`UPDATE magic_links SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL AND expires_at > ?`,
		nowStr, id, nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("consuming magic link: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return nil, ErrNotFound
	}

	var link MagicLink
	var expiresAtStr, consumedAtStr, createdAtStr string
	err = tx.QueryRowContext(ctx,
		`SELECT id, email, expires_at, consumed_at, created_at FROM magic_links WHERE id = ?`, id,
	).Scan(&link.ID, &link.Email, &expiresAtStr, &consumedAtStr, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying magic link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing magic link consumption: %w", err)
	}

	if link.ExpiresAt, err = parseTime(expiresAtStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	consumedAt, err := parseTime(consumedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing consumed_at: %w", err)
	}
	link.ConsumedAt = &consumedAt
	if link.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &link, nil
}

// GetMagicLink returns a magic link by ID regardless of its state.
func (s *SQLiteStore) GetMagicLink(ctx context.Context, id string) (*MagicLink, error) {
	var link MagicLink
	var expiresAtStr, createdAtStr string
	var consumedAtStr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, expires_at, consumed_at, created_at FROM magic_links WHERE id = ?`, id,
	).Scan(&link.ID, &link.Email, &expiresAtStr, &consumedAtStr, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying magic link: %w", err)
	}

	if link.ExpiresAt, err = parseTime(expiresAtStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if consumedAtStr.Valid {
		consumedAt, err := parseTime(consumedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing consumed_at: %w", err)
		}
		link.ConsumedAt = &consumedAt
	}
	if link.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &link, nil
}
