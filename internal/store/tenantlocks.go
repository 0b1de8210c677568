// ABOUTME: Tenant lock record persistence for the SQLite store
// ABOUTME: Writes are compare-and-set on version with the audit row inserted first in the same transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetTenantLock retrieves the lock record for a tenant.
// Returns ErrNotFound if the tenant has no record.
func (s *SQLiteStore) GetTenantLock(ctx context.Context, tenantID string) (*TenantLock, error) {
	query := `
		SELECT tenant_id, status, reason, ttl_seconds, rate_mode, locked_by, locked_at, version, updated_at
		FROM tenant_locks
		WHERE tenant_id = ?
	`

	var l TenantLock
	var status, rateMode, updatedAtStr string
	var ttlSeconds int64
	var lockedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&l.TenantID,
		&status,
		&l.Reason,
		&ttlSeconds,
		&rateMode,
		&l.LockedBy,
		&lockedAt,
		&l.Version,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant lock: %w", err)
	}

	l.Status = LockStatus(status)
	l.RateMode = RateMode(rateMode)
	l.TTL = time.Duration(ttlSeconds) * time.Second
	if lockedAt.Valid {
		if l.LockedAt, err = parseTime(lockedAt.String); err != nil {
			return nil, fmt.Errorf("parsing locked_at: %w", err)
		}
	}
	if l.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &l, nil
}

// SwapTenantLock replaces the tenant's record if its stored version equals
// expectedVersion (0 meaning no record yet). The audit entry is inserted
// before the record within one transaction; a version mismatch rolls both back.
// On success next.Version is expectedVersion+1.
func (s *SQLiteStore) SwapTenantLock(ctx context.Context, expectedVersion int64, next *TenantLock, audit *AuditEntry) error {
	if audit == nil {
		return fmt.Errorf("tenant lock change requires an audit entry")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertAuditEntry(ctx, tx, audit); err != nil {
		return err
	}

	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	newVersion := expectedVersion + 1

	var lockedAt any
	if !next.LockedAt.IsZero() {
		lockedAt = formatTime(next.LockedAt)
	}
	rateMode := next.RateMode
	if rateMode == "" {
		rateMode = RateModeNormal
	}
	args := []any{
		string(next.Status),
		next.Reason,
		int64(next.TTL / time.Second),
		string(rateMode),
		next.LockedBy,
		lockedAt,
		newVersion,
		formatTime(next.UpdatedAt),
	}

	if expectedVersion == 0 {
		query := `
			INSERT INTO tenant_locks (status, reason, ttl_seconds, rate_mode, locked_by, locked_at, version, updated_at, tenant_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, query, append(args, next.TenantID)...); err != nil {
			if isConstraintViolation(err) {
				return ErrVersionConflict
			}
			return fmt.Errorf("inserting tenant lock: %w", err)
		}
	} else {
		query := `
			UPDATE tenant_locks
			SET status = ?, reason = ?, ttl_seconds = ?, rate_mode = ?, locked_by = ?, locked_at = ?, version = ?, updated_at = ?
			WHERE tenant_id = ? AND version = ?
		`
		result, err := tx.ExecContext(ctx, query, append(args, next.TenantID, expectedVersion)...)
		if err != nil {
			return fmt.Errorf("updating tenant lock: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected != 1 {
			return ErrVersionConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tenant lock: %w", err)
	}

	next.Version = newVersion
	s.logger.Info("tenant lock updated",
		"tenant_id", next.TenantID,
		"status", next.Status,
		"version", newVersion,
		"audit_id", audit.ID,
	)
	return nil
}
