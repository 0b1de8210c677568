// ABOUTME: Audit log entity and store methods for tracking privileged actions
// ABOUTME: Records who changed which tenant's lock state and why

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditTenantLock        AuditAction = "tenant_lock"
	AuditTenantUnlock      AuditAction = "tenant_unlock"
	AuditTenantLockExpired AuditAction = "tenant_lock_expired"
	AuditCreateUser        AuditAction = "create_user"
	AuditEnrollTOTP        AuditAction = "enroll_totp"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditTenantLock,
	AuditTenantUnlock,
	AuditTenantLockExpired,
	AuditCreateUser,
	AuditEnrollTOTP,
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	Actor      string         // who performed the action ("system:ttl" for lazy expiry)
	Action     AuditAction    // what action was performed
	TargetType string         // "tenant", "user"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time   // entries after this time
	Until      *time.Time   // entries before this time
	Actor      *string      // filter by actor
	Action     *AuditAction // filter by action type
	TargetType *string      // filter by target type
	TargetID   *string      // filter by target ID
	Limit      int          // max results (default 100, max 1000)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if err := insertAuditEntry(ctx, s.db, e); err != nil {
		return err
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// insertAuditEntry writes an entry through db or an open transaction.
func insertAuditEntry(ctx context.Context, ex execer, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ex.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// auditQueryArgs builds the query arguments from an AuditFilter.
type auditQueryArgs struct {
	sinceStr  *string
	untilStr  *string
	actionStr *string
}

// buildAuditQueryArgs converts filter time/action fields to query args.
func buildAuditQueryArgs(f AuditFilter) auditQueryArgs {
	var args auditQueryArgs
	if f.Since != nil {
		s := formatTime(*f.Since)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := formatTime(*f.Until)
		args.untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	return args
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.Actor,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, actor, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)
	args := buildAuditQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.Actor, f.Actor,
		args.actionStr, args.actionStr,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
