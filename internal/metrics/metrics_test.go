// ABOUTME: Tests for the Prometheus metrics recorder
// ABOUTME: Verifies counters increment, nil safety, and the exposition handler

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveGate("allowed")
	m.ObserveGate("allowed")
	m.ObserveGate("wrong_tenant")
	m.ObserveCredential("totp", OutcomeDenied)
	m.ObserveSessionIssued("login")
	m.ObserveCommandAuth("replay_rejected")
	m.ObserveLockTransition("lock", OutcomeAllowed)
	m.ObserveRateLimited("/auth/totp")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.GateDecisions.WithLabelValues("allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GateDecisions.WithLabelValues("wrong_tenant")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CredentialVerification.WithLabelValues("totp", OutcomeDenied)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsIssued.WithLabelValues("login")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandAuth.WithLabelValues("replay_rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LockTransitions.WithLabelValues("lock", OutcomeAllowed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimited.WithLabelValues("/auth/totp")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveGate("allowed")
		m.ObserveCredential("totp", OutcomeAllowed)
		m.ObserveSessionIssued("login")
		m.ObserveCommandAuth("accepted")
		m.ObserveLockTransition("lock", OutcomeAllowed)
		m.ObserveRateLimited("/x")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveCommandAuth("accepted")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `converto_signed_command_auth_total{result="accepted"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
