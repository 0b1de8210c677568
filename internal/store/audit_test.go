// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Actor:      "U9",
		Action:     AuditTenantLock,
		TargetType: "tenant",
		TargetID:   "acme",
		Detail:     map[string]any{"reason": "fraud"},
	}

	require.NoError(t, store.AppendAuditLog(ctx, entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestAuditStore_List_NoFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, action := range []AuditAction{AuditTenantLock, AuditTenantUnlock, AuditTenantLockExpired} {
		entry := &AuditEntry{
			Actor:      "U9",
			Action:     action,
			TargetType: "tenant",
			TargetID:   generateTestID("tenant", i),
			Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Newest first
	assert.Equal(t, AuditTenantLockExpired, entries[0].Action)
}

func TestAuditStore_List_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	entries := []*AuditEntry{
		{Actor: "U1", Action: AuditTenantLock, TargetType: "tenant", TargetID: "acme", Timestamp: base},
		{Actor: "U2", Action: AuditTenantUnlock, TargetType: "tenant", TargetID: "acme", Timestamp: base.Add(10 * time.Minute)},
		{Actor: "U1", Action: AuditTenantLock, TargetType: "tenant", TargetID: "globex", Timestamp: base.Add(20 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendAuditLog(ctx, e))
	}

	actor := "U1"
	got, err := store.ListAuditLog(ctx, AuditFilter{Actor: &actor})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	target := "acme"
	got, err = store.ListAuditLog(ctx, AuditFilter{TargetID: &target})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	action := AuditTenantUnlock
	got, err = store.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "U2", got[0].Actor)

	since := base.Add(5 * time.Minute)
	got, err = store.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.ListAuditLog(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "globex", got[0].TargetID)
}

func TestAuditStore_DetailRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		Actor:      "system:ttl",
		Action:     AuditTenantLockExpired,
		TargetType: "tenant",
		TargetID:   "acme",
		Detail:     map[string]any{"previous_actor": "U9", "ttl_seconds": float64(900)},
	}))

	got, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "U9", got[0].Detail["previous_actor"])
	assert.Equal(t, float64(900), got[0].Detail["ttl_seconds"])
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-5))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}
