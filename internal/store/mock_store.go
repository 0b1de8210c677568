// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	users      map[string]*User              // keyed by user ID
	emailIndex map[string]string             // keyed by normalized email -> user ID
	passkeys   map[string]*PasskeyCredential // keyed by credential record ID
	challenges map[string]*PasskeyChallenge  // keyed by challenge ID
	links      map[string]*MagicLink         // keyed by link ID
	locks      map[string]*TenantLock        // keyed by tenant ID
	audit      []AuditEntry                  // append order

	// SwapErr, when set, is returned by SwapTenantLock before any write.
	SwapErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:      make(map[string]*User),
		emailIndex: make(map[string]string),
		passkeys:   make(map[string]*PasskeyCredential),
		challenges: make(map[string]*PasskeyChallenge),
		links:      make(map[string]*MagicLink),
		locks:      make(map[string]*TenantLock),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = NormalizeEmail(u.Email)
	if _, exists := m.emailIndex[u.Email]; exists {
		return ErrDuplicate
	}

	c := copyUser(u)
	m.users[c.ID] = c
	m.emailIndex[c.Email] = c.ID
	return nil
}

func copyUser(u *User) *User {
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	return &c
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emailIndex[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

// SetUserTOTPSecret stores a user's TOTP secret.
func (m *MockStore) SetUserTOTPSecret(ctx context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.TOTPSecret = secret
	return nil
}

// ListUsers returns users, optionally filtered by tenant.
func (m *MockStore) ListUsers(ctx context.Context, tenantID string) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := []*User{}
	for _, u := range m.users {
		if tenantID == "" || u.TenantID == tenantID {
			users = append(users, copyUser(u))
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].Email < users[j].Email
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// CreatePasskeyCredential stores a WebAuthn credential.
func (m *MockStore) CreatePasskeyCredential(ctx context.Context, cred *PasskeyCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.passkeys {
		if bytes.Equal(existing.CredentialID, cred.CredentialID) {
			return ErrDuplicate
		}
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	c := *cred
	m.passkeys[c.ID] = &c
	return nil
}

// GetPasskeyCredentialsByUser returns a user's credentials, oldest first.
func (m *MockStore) GetPasskeyCredentialsByUser(ctx context.Context, userID string) ([]*PasskeyCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var creds []*PasskeyCredential
	for _, c := range m.passkeys {
		if c.UserID == userID {
			cc := *c
			creds = append(creds, &cc)
		}
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].CreatedAt.Before(creds[j].CreatedAt) })
	return creds, nil
}

// GetPasskeyCredentialByCredentialID finds a credential by its authenticator-assigned ID.
func (m *MockStore) GetPasskeyCredentialByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.passkeys {
		if bytes.Equal(c.CredentialID, credentialID) {
			cc := *c
			return &cc, nil
		}
	}
	return nil, ErrNotFound
}

// UpdatePasskeySignCount updates a credential's sign count.
func (m *MockStore) UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.passkeys[id]
	if !ok {
		return ErrNotFound
	}
	c.SignCount = signCount
	return nil
}

// SavePasskeyChallenge stores a ceremony challenge.
func (m *MockStore) SavePasskeyChallenge(ctx context.Context, c *PasskeyChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.challenges[c.ID]; exists {
		return ErrDuplicate
	}
	cc := *c
	cc.SessionData = append([]byte(nil), c.SessionData...)
	m.challenges[c.ID] = &cc
	return nil
}

// TakePasskeyChallenge removes and returns an unexpired challenge.
func (m *MockStore) TakePasskeyChallenge(ctx context.Context, id string, now time.Time) (*PasskeyChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.challenges, id)
	if !now.Before(c.ExpiresAt) {
		return nil, ErrNotFound
	}
	return c, nil
}

// DeleteExpiredPasskeyChallenges removes expired challenges.
func (m *MockStore) DeleteExpiredPasskeyChallenges(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, c := range m.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(m.challenges, id)
			n++
		}
	}
	return n, nil
}

// CreateMagicLink stores a magic link.
func (m *MockStore) CreateMagicLink(ctx context.Context, link *MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.links[link.ID]; exists {
		return ErrDuplicate
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	link.Email = NormalizeEmail(link.Email)
	l := *link
	m.links[l.ID] = &l
	return nil
}

// GetMagicLink returns a magic link by ID.
func (m *MockStore) GetMagicLink(ctx context.Context, id string) (*MagicLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *l
	if l.ConsumedAt != nil {
		consumed := *l.ConsumedAt
		result.ConsumedAt = &consumed
	}
	return &result, nil
}

// ConsumeMagicLink marks a link consumed at most once.
func (m *MockStore) ConsumeMagicLink(ctx context.Context, id string, now time.Time) (*MagicLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[id]
	if !ok || l.ConsumedAt != nil || !now.Before(l.ExpiresAt) {
		return nil, ErrNotFound
	}
	consumed := now.UTC()
	l.ConsumedAt = &consumed
	result := *l
	return &result, nil
}

// GetTenantLock returns a tenant's lock record.
func (m *MockStore) GetTenantLock(ctx context.Context, tenantID string) (*TenantLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.locks[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *l
	return &result, nil
}

// SwapTenantLock applies a compare-and-set write with its audit entry.
func (m *MockStore) SwapTenantLock(ctx context.Context, expectedVersion int64, next *TenantLock, audit *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SwapErr != nil {
		return m.SwapErr
	}

	var current int64
	if l, ok := m.locks[next.TenantID]; ok {
		current = l.Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	m.appendAuditLocked(audit)

	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	if next.RateMode == "" {
		next.RateMode = RateModeNormal
	}
	next.Version = expectedVersion + 1
	l := *next
	m.locks[l.TenantID] = &l
	return nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(e)
	return nil
}

func (m *MockStore) appendAuditLocked(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
}

// ListAuditLog returns matching audit entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeAuditLimit(f.Limit)
	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
