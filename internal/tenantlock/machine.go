// ABOUTME: Tenant lock state machine with audit-before-effect and per-tenant compare-and-set
// ABOUTME: Locks expire lazily; the expiry is recorded the next time the record is read or changed

package tenantlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/converto/converto-gateway/internal/metrics"
	"github.com/converto/converto-gateway/internal/store"
)

// Errors returned by the state machine.
var (
	ErrStateConflict  = errors.New("tenant lock state conflict")
	ErrAlreadyLocked  = errors.New("tenant already locked")
	ErrNotLocked      = errors.New("tenant not locked")
	ErrInvalidRequest = errors.New("invalid tenant lock request")
)

// ExpiryActor is recorded as the actor when a lock lapses by TTL.
const ExpiryActor = "system:ttl"

// maxAttempts bounds compare-and-set retries when writers collide.
const maxAttempts = 3

// Action labels used in metrics and logs.
const (
	actionLock   = "lock"
	actionUnlock = "unlock"
	actionExpire = "expire"
)

// LockRequest describes an Unlocked to Locked transition.
type LockRequest struct {
	TenantID string
	Reason   string
	TTL      time.Duration // zero uses the machine default
	RateMode store.RateMode
	Actor    string
}

// Config holds TTL bounds for new locks.
type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// Machine applies tenant lock transitions.
type Machine struct {
	store   store.TenantLockStore
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a state machine over the given store.
func New(s store.TenantLockStore, cfg Config, m *metrics.Metrics) *Machine {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 7 * 24 * time.Hour
	}
	return &Machine{
		store:   s,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		logger:  slog.Default().With("component", "tenantlock"),
	}
}

// SetClock overrides time.Now, for tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// ParseRateMode maps user input to a rate mode. Empty input is normal.
func ParseRateMode(s string) (store.RateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return store.RateModeNormal, nil
	case "high":
		return store.RateModeHigh, nil
	default:
		return "", fmt.Errorf("%w: rate mode %q", ErrInvalidRequest, s)
	}
}

// ExpiresAt returns when a locked record lapses, or the zero time if it never does.
func ExpiresAt(l *store.TenantLock) time.Time {
	if l.Status != store.LockStatusLocked || l.TTL <= 0 || l.LockedAt.IsZero() {
		return time.Time{}
	}
	return l.LockedAt.Add(l.TTL)
}

// Lock moves a tenant from Unlocked to Locked. If the tenant is already
// locked the current record is returned with ErrAlreadyLocked.
func (m *Machine) Lock(ctx context.Context, req LockRequest) (*store.TenantLock, error) {
	if err := m.normalizeLock(&req); err != nil {
		m.metrics.ObserveLockTransition(actionLock, "invalid")
		return nil, err
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := m.resolve(ctx, req.TenantID)
		if err != nil {
			return nil, m.fail(actionLock, err)
		}
		if current.Status == store.LockStatusLocked {
			m.metrics.ObserveLockTransition(actionLock, "already_locked")
			return current, ErrAlreadyLocked
		}

		now := m.now().UTC()
		next := &store.TenantLock{
			TenantID:  req.TenantID,
			Status:    store.LockStatusLocked,
			Reason:    req.Reason,
			TTL:       req.TTL,
			RateMode:  req.RateMode,
			LockedBy:  req.Actor,
			LockedAt:  now,
			UpdatedAt: now,
		}
		audit := &store.AuditEntry{
			Actor:      req.Actor,
			Action:     store.AuditTenantLock,
			TargetType: "tenant",
			TargetID:   req.TenantID,
			Timestamp:  now,
			Detail: map[string]any{
				"reason":      req.Reason,
				"ttl_seconds": int64(req.TTL / time.Second),
				"rate_mode":   string(req.RateMode),
			},
		}

		err = m.store.SwapTenantLock(ctx, current.Version, next, audit)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, m.fail(actionLock, err)
		}

		m.metrics.ObserveLockTransition(actionLock, metrics.OutcomeAllowed)
		m.logger.Info("tenant locked",
			"tenant_id", req.TenantID,
			"actor", req.Actor,
			"ttl", req.TTL,
			"rate_mode", req.RateMode,
		)
		return next, nil
	}

	return nil, m.fail(actionLock, errors.New("too many concurrent writers"))
}

// Unlock moves a tenant from Locked to Unlocked. If the tenant is not locked
// the current record is returned with ErrNotLocked.
func (m *Machine) Unlock(ctx context.Context, tenantID, reason, actor string) (*store.TenantLock, error) {
	if tenantID == "" || actor == "" {
		m.metrics.ObserveLockTransition(actionUnlock, "invalid")
		return nil, fmt.Errorf("%w: tenant and actor are required", ErrInvalidRequest)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := m.resolve(ctx, tenantID)
		if err != nil {
			return nil, m.fail(actionUnlock, err)
		}
		if current.Status != store.LockStatusLocked {
			m.metrics.ObserveLockTransition(actionUnlock, "not_locked")
			return current, ErrNotLocked
		}

		now := m.now().UTC()
		next := unlockedRecord(tenantID, reason, now)
		audit := &store.AuditEntry{
			Actor:      actor,
			Action:     store.AuditTenantUnlock,
			TargetType: "tenant",
			TargetID:   tenantID,
			Timestamp:  now,
			Detail: map[string]any{
				"reason":          reason,
				"previous_reason": current.Reason,
				"locked_by":       current.LockedBy,
			},
		}

		err = m.store.SwapTenantLock(ctx, current.Version, next, audit)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, m.fail(actionUnlock, err)
		}

		m.metrics.ObserveLockTransition(actionUnlock, metrics.OutcomeAllowed)
		m.logger.Info("tenant unlocked", "tenant_id", tenantID, "actor", actor)
		return next, nil
	}

	return nil, m.fail(actionUnlock, errors.New("too many concurrent writers"))
}

// Status returns the effective lock record, recording a lapsed TTL first.
func (m *Machine) Status(ctx context.Context, tenantID string) (*store.TenantLock, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	current, err := m.resolve(ctx, tenantID)
	if err != nil {
		return nil, m.fail("status", err)
	}
	return current, nil
}

// resolve reads the record and, when a lock has lapsed, persists the
// transition to Unlocked before returning. Conflicts re-read.
func (m *Machine) resolve(ctx context.Context, tenantID string) (*store.TenantLock, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := m.store.GetTenantLock(ctx, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			return &store.TenantLock{
				TenantID: tenantID,
				Status:   store.LockStatusUnlocked,
				RateMode: store.RateModeNormal,
			}, nil
		}
		if err != nil {
			return nil, err
		}

		now := m.now().UTC()
		expiresAt := ExpiresAt(current)
		if expiresAt.IsZero() || now.Before(expiresAt) {
			return current, nil
		}

		next := unlockedRecord(tenantID, "ttl expired", now)
		audit := &store.AuditEntry{
			Actor:      ExpiryActor,
			Action:     store.AuditTenantLockExpired,
			TargetType: "tenant",
			TargetID:   tenantID,
			Timestamp:  now,
			Detail: map[string]any{
				"previous_reason": current.Reason,
				"locked_by":       current.LockedBy,
				"expired_at":      expiresAt.Format(time.RFC3339),
			},
		}

		err = m.store.SwapTenantLock(ctx, current.Version, next, audit)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		m.metrics.ObserveLockTransition(actionExpire, metrics.OutcomeAllowed)
		m.logger.Info("tenant lock expired", "tenant_id", tenantID, "locked_by", current.LockedBy)
		return next, nil
	}
	return nil, errors.New("too many concurrent writers")
}

func (m *Machine) normalizeLock(req *LockRequest) error {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" || req.Actor == "" {
		return fmt.Errorf("%w: tenant and actor are required", ErrInvalidRequest)
	}
	if req.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidRequest)
	}
	if req.TTL == 0 {
		req.TTL = m.cfg.DefaultTTL
	}
	if req.TTL > m.cfg.MaxTTL {
		return fmt.Errorf("%w: ttl %s exceeds maximum %s", ErrInvalidRequest, req.TTL, m.cfg.MaxTTL)
	}
	// Stored with second precision.
	req.TTL = req.TTL.Truncate(time.Second)
	if req.TTL == 0 {
		return fmt.Errorf("%w: ttl below one second", ErrInvalidRequest)
	}
	mode, err := ParseRateMode(string(req.RateMode))
	if err != nil {
		return err
	}
	req.RateMode = mode
	return nil
}

func (m *Machine) fail(action string, err error) error {
	m.metrics.ObserveLockTransition(action, metrics.OutcomeError)
	m.logger.Error("tenant lock store failure", "action", action, "error", err)
	return fmt.Errorf("%w: %v", ErrStateConflict, err)
}

func unlockedRecord(tenantID, reason string, now time.Time) *store.TenantLock {
	return &store.TenantLock{
		TenantID:  tenantID,
		Status:    store.LockStatusUnlocked,
		Reason:    reason,
		RateMode:  store.RateModeNormal,
		UpdatedAt: now,
	}
}
