// ABOUTME: Tests for SQLite store initialization and user persistence
// ABOUTME: Covers schema creation, driver selection, and user CRUD

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.CreateUser(context.Background(), &User{Email: "a@example.com", TenantID: "acme"}))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	u, err := second.GetUserByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", u.TenantID)
}

func TestOpenSQLiteStore_UnknownDriver(t *testing.T) {
	_, err := OpenSQLiteStore("postgres", filepath.Join(t.TempDir(), "test.db"))
	assert.Error(t, err)
}

func TestUserStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := &User{
		Email:       "  Alice@Example.COM ",
		TenantID:    "acme",
		Roles:       []string{"admin", "member"},
		TOTPSecret:  "JBSWY3DPEHPK3PXP",
		DisplayName: "Alice",
	}
	require.NoError(t, store.CreateUser(ctx, u))
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice@example.com", u.Email)

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, []string{"admin", "member"}, got.Roles)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", got.TOTPSecret)

	byEmail, err := store.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)
}

func TestUserStore_DuplicateEmail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &User{Email: "bob@example.com", TenantID: "acme"}))
	err := store.CreateUser(ctx, &User{Email: "BOB@example.com", TenantID: "globex"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUserStore_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.SetUserTOTPSecret(ctx, "missing", "SECRET")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserStore_SetTOTPSecret(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := &User{Email: "carol@example.com", TenantID: "acme"}
	require.NoError(t, store.CreateUser(ctx, u))

	require.NoError(t, store.SetUserTOTPSecret(ctx, u.ID, "NEWSECRET"))
	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "NEWSECRET", got.TOTPSecret)

	require.NoError(t, store.SetUserTOTPSecret(ctx, u.ID, ""))
	got, err = store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.TOTPSecret)
}

func TestUserStore_ListByTenant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &User{Email: "a@acme.com", TenantID: "acme"}))
	require.NoError(t, store.CreateUser(ctx, &User{Email: "b@acme.com", TenantID: "acme"}))
	require.NoError(t, store.CreateUser(ctx, &User{Email: "c@globex.com", TenantID: "globex"}))

	acme, err := store.ListUsers(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, acme, 2)

	all, err := store.ListUsers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
