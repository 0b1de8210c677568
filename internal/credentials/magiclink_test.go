// ABOUTME: Tests for magic link issuance and redemption
// ABOUTME: Covers single use, tampering, expiry, enumeration resistance, and concurrent redemption

package credentials

import (
	"bytes"
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converto/converto-gateway/internal/metrics"
	"github.com/converto/converto-gateway/internal/store"
)

const testMagicSecret = "magic-link-secret-at-least-32-bytes-long"

// recordingMailer captures sent links.
type recordingMailer struct {
	mu    sync.Mutex
	sent  []string
	email []string
}

func (m *recordingMailer) SendMagicLink(_ context.Context, email, link string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.email = append(m.email, email)
	m.sent = append(m.sent, link)
	return nil
}

func newMagicLinkFixture(t *testing.T, s MagicLinkStore) (*MagicLinkVerifier, *recordingMailer, *testClock) {
	t.Helper()
	mailer := &recordingMailer{}
	v, err := NewMagicLinkVerifier(s, MagicLinkConfig{
		Secret:  testMagicSecret,
		TTL:     15 * time.Minute,
		BaseURL: "https://app.example.com/",
	}, mailer, metrics.New())
	require.NoError(t, err)
	clock := newTestClock()
	v.SetClock(clock.Now)
	return v, mailer, clock
}

func TestMagicLink_IssueAndVerify(t *testing.T) {
	s := store.NewMockStore()
	v, _, _ := newMagicLinkFixture(t, s)
	ctx := context.Background()
	user := createUser(t, s, "ana@acme.test", "acme", "admin")

	token, link, err := v.Issue(ctx, user.Email)
	require.NoError(t, err)
	assert.Equal(t, "ana@acme.test", link.Email)

	id, err := v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, id.Subject)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, []string{"admin"}, id.Roles)

	_, err = v.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrVerificationFailed, "a link verifies once")
}

func TestMagicLink_Expired(t *testing.T) {
	s := store.NewMockStore()
	v, _, clock := newMagicLinkFixture(t, s)
	ctx := context.Background()
	createUser(t, s, "ana@acme.test", "acme")

	token, _, err := v.Issue(ctx, "ana@acme.test")
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	_, err = v.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestMagicLink_RejectsMalformedAndTampered(t *testing.T) {
	s := store.NewMockStore()
	v, _, _ := newMagicLinkFixture(t, s)
	ctx := context.Background()
	createUser(t, s, "ana@acme.test", "acme")

	token, _, err := v.Issue(ctx, "ana@acme.test")
	require.NoError(t, err)
	idPart, sigPart, _ := strings.Cut(token, ".")

	flipped := []byte(sigPart)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}

	other, err := NewMagicLinkVerifier(s, MagicLinkConfig{Secret: strings.Repeat("x", 40)}, nil, nil)
	require.NoError(t, err)
	forged := idPart + "." + strings.SplitN(mustIssueToken(t, other, "ana@acme.test"), ".", 2)[1]

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", idPart + sigPart},
		{"bad base64", idPart + ".!!!"},
		{"short mac", idPart + "." + sigPart[:10]},
		{"flipped mac", idPart + "." + string(flipped)},
		{"unknown id", "bm9wZQ." + sigPart},
		{"mac under another key", forged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.token)
			assert.ErrorIs(t, err, ErrVerificationFailed)
		})
	}

	// None of the rejected attempts consumed the real link.
	_, err = v.Verify(ctx, token)
	assert.NoError(t, err)
}

func mustIssueToken(t *testing.T, v *MagicLinkVerifier, email string) string {
	t.Helper()
	token, _, err := v.Issue(context.Background(), email)
	require.NoError(t, err)
	return token
}

func TestMagicLink_RequestKnownEmail(t *testing.T) {
	s := store.NewMockStore()
	v, mailer, _ := newMagicLinkFixture(t, s)
	ctx := context.Background()
	user := createUser(t, s, "ana@acme.test", "acme")

	require.NoError(t, v.Request(ctx, "Ana@Acme.test"))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "ana@acme.test", mailer.email[0])

	u, err := url.Parse(mailer.sent[0])
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, MagicLinkVerifyPath, u.Path)

	id, err := v.Verify(ctx, u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, user.ID, id.Subject)
}

func TestMagicLink_RequestUnknownEmailIsSilent(t *testing.T) {
	s := store.NewMockStore()
	v, mailer, _ := newMagicLinkFixture(t, s)

	require.NoError(t, v.Request(context.Background(), "nobody@acme.test"))
	assert.Empty(t, mailer.sent)
}

// countingLinkStore counts stored links.
type countingLinkStore struct {
	MagicLinkStore
	created atomic.Int32
}

func (c *countingLinkStore) CreateMagicLink(ctx context.Context, link *store.MagicLink) error {
	c.created.Add(1)
	return c.MagicLinkStore.CreateMagicLink(ctx, link)
}

func TestMagicLink_RequestWithoutMailerStoresNothing(t *testing.T) {
	s := &countingLinkStore{MagicLinkStore: store.NewMockStore()}
	createUser(t, s, "ana@acme.test", "acme")
	v, err := NewMagicLinkVerifier(s, MagicLinkConfig{
		Secret:  testMagicSecret,
		TTL:     15 * time.Minute,
		BaseURL: "https://app.example.com/",
	}, nil, metrics.New())
	require.NoError(t, err)

	err = v.Request(context.Background(), "ana@acme.test")
	assert.ErrorContains(t, err, "no mailer")
	assert.Equal(t, int32(0), s.created.Load())
}

func TestMagicLink_RequiresSecret(t *testing.T) {
	_, err := NewMagicLinkVerifier(store.NewMockStore(), MagicLinkConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestWriterMailer(t *testing.T) {
	var buf bytes.Buffer
	err := WriterMailer{W: &buf}.SendMagicLink(context.Background(), "ana@acme.test", "https://x/verify?token=t", time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ana@acme.test")
	assert.Contains(t, buf.String(), "2026-03-01T12:15:00Z")
}

func TestMagicLink_ConcurrentRedemption(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "links.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, _, _ := newMagicLinkFixture(t, s)
	ctx := context.Background()
	createUser(t, s, "ana@acme.test", "acme")

	token, _, err := v.Issue(ctx, "ana@acme.test")
	require.NoError(t, err)

	const attempts = 10
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Verify(ctx, token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
