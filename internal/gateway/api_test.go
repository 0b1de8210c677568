// ABOUTME: End-to-end tests for the gateway HTTP API through the real route table
// ABOUTME: Covers credential logins, cookie sessions, the tenant gate, signed commands and operator endpoints

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/command"
	"github.com/converto/converto-gateway/internal/config"
	"github.com/converto/converto-gateway/internal/store"
)

type sentLink struct {
	email string
	link  string
}

type recordingMailer struct {
	mu    sync.Mutex
	links []sentLink
}

func (m *recordingMailer) SendMagicLink(_ context.Context, email, link string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, sentLink{email: email, link: link})
	return nil
}

func (m *recordingMailer) sent() []sentLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentLink(nil), m.links...)
}

type apiFixture struct {
	gw     *Gateway
	mailer *recordingMailer
}

func newAPIFixture(t *testing.T, mutate ...func(*config.Config)) *apiFixture {
	t.Helper()
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = ""
	for _, fn := range mutate {
		fn(cfg)
	}

	mailer := &recordingMailer{}
	gw, err := New(cfg, testLogger(), WithMailer(mailer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return &apiFixture{gw: gw, mailer: mailer}
}

func (f *apiFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return f.do(t, req)
}

// createTOTPUser creates a user and enrolls TOTP, returning the user and secret.
func (f *apiFixture) createTOTPUser(t *testing.T, email, tenant string, roles ...string) (*store.User, string) {
	t.Helper()
	ctx := context.Background()
	u := &store.User{Email: email, TenantID: tenant, Roles: roles}
	require.NoError(t, f.gw.store.CreateUser(ctx, u))
	key, err := f.gw.totp.Enroll(ctx, u.ID, "test")
	require.NoError(t, err)
	return u, key.Secret()
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == config.DefaultCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", config.DefaultCookieName)
	return nil
}

// loginTOTP performs a TOTP login and returns the session cookie.
func (f *apiFixture) loginTOTP(t *testing.T, email, secret string) *http.Cookie {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	rec := f.postJSON(t, "/auth/totp", TOTPLoginRequest{Email: email, Code: code}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return sessionCookie(t, rec)
}

func TestTOTPLogin_EndToEnd(t *testing.T) {
	f := newAPIFixture(t)
	user, secret := f.createTOTPUser(t, "ana@acme.test", "acme", "member")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	rec := f.postJSON(t, "/auth/totp", TOTPLoginRequest{Email: "ana@acme.test", Code: code}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var session SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, user.ID, session.Subject)
	assert.Equal(t, "acme", session.TenantID)
	assert.Equal(t, []string{"member"}, session.Roles)
	assert.NotContains(t, rec.Body.String(), "eyJ", "token is only delivered in the cookie")

	cookie := sessionCookie(t, rec)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, 900, cookie.MaxAge)

	claims := &auth.SessionClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(cookie.Value, claims)
	require.NoError(t, err)
	assert.Equal(t, int64(900), claims.ExpiresAt.Unix()-claims.IssuedAt.Unix())
	assert.Equal(t, "acme", claims.TenantID)

	// Gate passes for the session's own tenant.
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookie)
	req.Header.Set("X-Tenant-ID", "acme")
	rec = f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var me MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, user.ID, me.Subject)
	assert.Equal(t, claims.ID, me.TokenID)
	require.NotNil(t, me.TenantLock)
	assert.Equal(t, "unlocked", me.TenantLock.Status)

	// Another tenant is refused with 403.
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookie)
	req.Header.Set("X-Tenant-ID", "globex")
	rec = f.do(t, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"wrong tenant"}`, rec.Body.String())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.gw.Metrics().SessionsIssued.WithLabelValues(reasonLogin)))
}

func TestTOTPLogin_Rejections(t *testing.T) {
	f := newAPIFixture(t)
	_, _ = f.createTOTPUser(t, "ana@acme.test", "acme")

	rec := f.postJSON(t, "/auth/totp", TOTPLoginRequest{Email: "ana@acme.test", Code: "000000"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())
	assert.Empty(t, rec.Result().Cookies())

	unknown := f.postJSON(t, "/auth/totp", TOTPLoginRequest{Email: "nobody@acme.test", Code: "000000"}, nil)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, rec.Body.String(), unknown.Body.String(), "unknown users are indistinguishable")

	rec = f.postJSON(t, "/auth/totp", map[string]string{"email": "ana@acme.test"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGate_Unauthenticated(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: config.DefaultCookieName, Value: "not-a-jwt"})
	rec = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthenticated"}`, rec.Body.String())
}

func TestRefreshAndLogout(t *testing.T) {
	f := newAPIFixture(t)
	user, secret := f.createTOTPUser(t, "ana@acme.test", "acme", "admin")
	cookie := f.loginTOTP(t, "ana@acme.test", secret)

	rec := f.postJSON(t, "/auth/refresh", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refreshed := sessionCookie(t, rec)
	assert.NotEqual(t, cookie.Value, refreshed.Value)

	claims := &auth.SessionClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(refreshed.Value, claims)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, []string{"admin"}, claims.Roles)

	rec = f.postJSON(t, "/auth/refresh", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.postJSON(t, "/auth/refresh", nil, &http.Cookie{Name: config.DefaultCookieName, Value: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, -1, sessionCookie(t, rec).MaxAge)

	rec = f.postJSON(t, "/auth/logout", nil, refreshed)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	cleared := sessionCookie(t, rec)
	assert.Equal(t, -1, cleared.MaxAge)
	assert.Empty(t, cleared.Value)
}

func TestMagicLink_EndToEnd(t *testing.T) {
	f := newAPIFixture(t)
	user := &store.User{Email: "bo@acme.test", TenantID: "acme"}
	require.NoError(t, f.gw.store.CreateUser(context.Background(), user))

	rec := f.postJSON(t, "/auth/magic-link", MagicLinkRequest{Email: "nobody@acme.test"}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, f.mailer.sent(), "unknown emails are not mailed")

	rec = f.postJSON(t, "/auth/magic-link", MagicLinkRequest{Email: "bo@acme.test"}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	sent := f.mailer.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bo@acme.test", sent[0].email)

	link, err := url.Parse(sent[0].link)
	require.NoError(t, err)
	assert.Equal(t, "app.converto.test", link.Host)
	assert.Equal(t, "/auth/magic-link/verify", link.Path)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, link.RequestURI(), nil))
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, "/", rec.Header().Get("Location"))
	cookie := sessionCookie(t, rec)
	assert.True(t, cookie.HttpOnly)

	claims := &auth.SessionClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(cookie.Value, claims)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, link.RequestURI(), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "links are single use")

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/auth/magic-link/verify", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMagicLink_DisabledWithoutSecret(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) { c.MagicLink.Secret = "" })

	rec := f.postJSON(t, "/auth/magic-link", MagicLinkRequest{Email: "bo@acme.test"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPasskeyLogin_BeginAndBadFinish(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.postJSON(t, "/auth/passkey/login/begin", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var begin struct {
		Options struct {
			PublicKey struct {
				Challenge string `json:"challenge"`
				RPID      string `json:"rpId"`
			} `json:"publicKey"`
		} `json:"options"`
		SessionToken string `json:"sessionToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &begin))
	assert.NotEmpty(t, begin.SessionToken)
	assert.NotEmpty(t, begin.Options.PublicKey.Challenge)
	assert.Equal(t, "app.converto.test", begin.Options.PublicKey.RPID)

	rec = f.postJSON(t, "/auth/passkey/login/finish", PasskeyFinishRequest{
		SessionToken: begin.SessionToken,
		Response:     json.RawMessage(`{"id":"bogus"}`),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The challenge was consumed by the failed attempt.
	rec = f.postJSON(t, "/auth/passkey/login/finish", PasskeyFinishRequest{
		SessionToken: begin.SessionToken,
		Response:     json.RawMessage(`{"id":"bogus"}`),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.postJSON(t, "/auth/passkey/login/finish", PasskeyFinishRequest{SessionToken: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasskeyRegister_RequiresSession(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.postJSON(t, "/auth/passkey/register/begin", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, secret := f.createTOTPUser(t, "ana@acme.test", "acme")
	cookie := f.loginTOTP(t, "ana@acme.test", secret)

	rec = f.postJSON(t, "/auth/passkey/register/begin", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var begin PasskeyFinishRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &begin))
	assert.NotEmpty(t, begin.SessionToken)

	rec = f.postJSON(t, "/auth/passkey/register/finish", PasskeyFinishRequest{
		SessionToken: begin.SessionToken,
		Response:     json.RawMessage(`{}`),
	}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit_TOTP(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) { c.RateLimit.Requests = 2 })

	for i := 0; i < 2; i++ {
		rec := f.postJSON(t, "/auth/totp", TOTPLoginRequest{Email: "x@acme.test", Code: "000000"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := f.postJSON(t, "/auth/totp", TOTPLoginRequest{Email: "x@acme.test", Code: "000000"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other routes keep their own budget.
	rec = f.postJSON(t, "/auth/passkey/login/begin", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignedCommand_LocksTenantVisibleToUsers(t *testing.T) {
	f := newAPIFixture(t)
	_, secret := f.createTOTPUser(t, "ana@acme.test", "ACME")
	cookie := f.loginTOTP(t, "ana@acme.test", secret)

	body := "team_id=T1&user_id=U9&text=ACME reason=fraud ttl=15m ratelimit=high"
	req := httptest.NewRequest(http.MethodPost, "/commands/tenant-lock", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ts, sig := command.Sign([]byte(testSigningSecret), []byte(body), time.Now())
	req.Header.Set(command.SlackTimestampHeader, ts)
	req.Header.Set(command.SlackSignatureHeader, sig)
	rec := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Locked ACME")

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookie)
	rec = f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var me MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "locked", me.TenantLock.Status)
	assert.Equal(t, "high", me.TenantLock.RateMode)
	assert.Equal(t, int64(900), me.TenantLock.TTL)
	assert.Empty(t, me.TenantLock.Reason, "reason is operator-only")
	assert.Empty(t, me.TenantLock.LockedBy)

	// A replay of the same signed body is rejected.
	req = httptest.NewRequest(http.MethodPost, "/commands/tenant-lock", strings.NewReader(body))
	req.Header.Set(command.SlackTimestampHeader, ts)
	req.Header.Set(command.SlackSignatureHeader, sig)
	rec = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func (f *apiFixture) admin(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var payload string
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = string(data)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return f.do(t, req)
}

func TestAdminTenantLock(t *testing.T) {
	f := newAPIFixture(t)
	lockReq := TenantLockRequest{TenantID: "globex", Reason: "chargebacks", TTL: "2d", Rate: "high", ByUser: "ops@converto.test"}

	rec := f.admin(t, http.MethodPost, "/admin/tenants/lock", lockReq, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.admin(t, http.MethodPost, "/admin/tenants/lock", lockReq, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	intruder := lockReq
	intruder.ByUser = "mallory"
	rec = f.admin(t, http.MethodPost, "/admin/tenants/lock", intruder, testOperatorToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.admin(t, http.MethodPost, "/admin/tenants/lock", lockReq, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp TenantLockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.Equal(t, "locked", resp.Lock.Status)
	assert.Equal(t, int64(48*3600), resp.Lock.TTL)
	assert.Equal(t, "ops@converto.test", resp.Lock.LockedBy)
	assert.Equal(t, int64(1), resp.Lock.Version)

	rec = f.admin(t, http.MethodPost, "/admin/tenants/lock", lockReq, testOperatorToken)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.admin(t, http.MethodGet, "/admin/tenants/globex/lock", nil, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var view TenantLockView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "chargebacks", view.Reason)
	require.NotNil(t, view.ExpiresAt)

	rec = f.admin(t, http.MethodPost, "/admin/tenants/unlock", TenantLockRequest{TenantID: "globex", Reason: "resolved", ByUser: "ops@converto.test"}, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unlocked", resp.Lock.Status)
	assert.Equal(t, int64(2), resp.Lock.Version)

	rec = f.admin(t, http.MethodPost, "/admin/tenants/unlock", TenantLockRequest{TenantID: "globex", ByUser: "ops@converto.test"}, testOperatorToken)
	assert.Equal(t, http.StatusConflict, rec.Code)

	entries, err := f.gw.store.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditTenantUnlock, entries[0].Action)
	assert.Equal(t, store.AuditTenantLock, entries[1].Action)
}

func TestAdminTenantLock_BadRequests(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		path string
		body TenantLockRequest
	}{
		{"missing tenant", "/admin/tenants/lock", TenantLockRequest{ByUser: "ops@converto.test"}},
		{"missing actor", "/admin/tenants/lock", TenantLockRequest{TenantID: "acme"}},
		{"bad ttl", "/admin/tenants/lock", TenantLockRequest{TenantID: "acme", TTL: "soon", ByUser: "ops@converto.test"}},
		{"ttl above maximum", "/admin/tenants/lock", TenantLockRequest{TenantID: "acme", TTL: "30d", ByUser: "ops@converto.test"}},
		{"overflowing ttl", "/admin/tenants/lock", TenantLockRequest{TenantID: "acme", TTL: "213504d", ByUser: "ops@converto.test"}},
		{"bad rate", "/admin/tenants/lock", TenantLockRequest{TenantID: "acme", Rate: "turbo", ByUser: "ops@converto.test"}},
		{"ttl on unlock", "/admin/tenants/unlock", TenantLockRequest{TenantID: "acme", TTL: "1h", ByUser: "ops@converto.test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.admin(t, http.MethodPost, tt.path, tt.body, testOperatorToken)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestAdminEndpoints_DisabledWithoutOperatorToken(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) { c.Admin.OperatorToken = "" })

	rec := f.admin(t, http.MethodGet, "/admin/tenants/acme/lock", nil, "anything")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListTenantUsers(t *testing.T) {
	f := newAPIFixture(t)
	_, adminSecret := f.createTOTPUser(t, "root@acme.test", "acme", "admin")
	_, memberSecret := f.createTOTPUser(t, "ana@acme.test", "acme", "member")
	f.createTOTPUser(t, "gus@globex.test", "globex", "admin")

	get := func(path string, cookie *http.Cookie) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.AddCookie(cookie)
		return f.do(t, req)
	}

	adminCookie := f.loginTOTP(t, "root@acme.test", adminSecret)
	rec := get("/api/tenants/acme/users", adminCookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var users []UserView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 2)
	emails := []string{users[0].Email, users[1].Email}
	assert.ElementsMatch(t, []string{"root@acme.test", "ana@acme.test"}, emails)
	assert.True(t, users[0].TOTPEnrolled)
	assert.NotContains(t, rec.Body.String(), adminSecret)

	rec = get("/api/tenants/globex/users", adminCookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"wrong tenant"}`, rec.Body.String())

	memberCookie := f.loginTOTP(t, "ana@acme.test", memberSecret)
	rec = get("/api/tenants/acme/users", memberCookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"insufficient role"}`, rec.Body.String())
}
