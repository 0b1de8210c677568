// ABOUTME: Prometheus counters for trust boundary decisions
// ABOUTME: Nil-safe recorder so components can run without metrics wired in

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by all counters.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Metrics tracks authentication, command and tenant lock outcomes.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	GateDecisions          *prometheus.CounterVec
	CredentialVerification *prometheus.CounterVec
	SessionsIssued         *prometheus.CounterVec
	CommandAuth            *prometheus.CounterVec
	LockTransitions        *prometheus.CounterVec
	RateLimited            *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry, including Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converto_tenant_gate_decisions_total",
			Help: "Tenant gate decisions by result (allowed, unauthenticated, wrong_tenant)",
		}, []string{"result"}),
		CredentialVerification: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converto_credential_verifications_total",
			Help: "Credential verification attempts by method and outcome",
		}, []string{"method", "outcome"}),
		SessionsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converto_sessions_issued_total",
			Help: "Session tokens issued by reason (login, refresh)",
		}, []string{"reason"}),
		CommandAuth: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converto_signed_command_auth_total",
			Help: "Signed command authentication results (accepted, signature_invalid, replay_rejected)",
		}, []string{"result"}),
		LockTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converto_tenant_lock_transitions_total",
			Help: "Tenant lock state machine requests by action and outcome",
		}, []string{"action", "outcome"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converto_rate_limited_total",
			Help: "Requests rejected by the rate limiter by route",
		}, []string{"route"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveGate records a tenant gate decision.
func (m *Metrics) ObserveGate(result string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(result).Inc()
}

// ObserveCredential records a credential verification attempt.
func (m *Metrics) ObserveCredential(method, outcome string) {
	if m == nil {
		return
	}
	m.CredentialVerification.WithLabelValues(method, outcome).Inc()
}

// ObserveSessionIssued records a session token being issued.
func (m *Metrics) ObserveSessionIssued(reason string) {
	if m == nil {
		return
	}
	m.SessionsIssued.WithLabelValues(reason).Inc()
}

// ObserveCommandAuth records a signed command authentication result.
func (m *Metrics) ObserveCommandAuth(result string) {
	if m == nil {
		return
	}
	m.CommandAuth.WithLabelValues(result).Inc()
}

// ObserveLockTransition records a tenant lock request.
func (m *Metrics) ObserveLockTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.LockTransitions.WithLabelValues(action, outcome).Inc()
}

// ObserveRateLimited records a request rejected by the rate limiter.
func (m *Metrics) ObserveRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}
