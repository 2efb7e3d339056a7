package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds prometheus collectors for the auth core
type Metrics struct {
	registry *prometheus.Registry

	loginAttempts    *prometheus.CounterVec
	validateResults  *prometheus.CounterVec
	tokenRevocations prometheus.Counter
	cacheRequests    *prometheus.CounterVec
	providerRefresh  *prometheus.CounterVec
}

// NewMetrics creates and registers auth metrics on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_login_attempts_total",
			Help: "Login attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		validateResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_validate_results_total",
			Help: "Credential validation results by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		tokenRevocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_token_revocations_total",
			Help: "Signed tokens added to the revocation list",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_cache_requests_total",
			Help: "Credential cache lookups by entry kind and result",
		}, []string{"entry", "result"}),
		providerRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_provider_refresh_total",
			Help: "Silent provider-token refreshes by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.loginAttempts,
		m.validateResults,
		m.tokenRevocations,
		m.cacheRequests,
		m.providerRefresh,
	)

	return m
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLogin records a login attempt. Safe on a nil receiver.
func (m *Metrics) ObserveLogin(strategy, outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(strategy, outcome).Inc()
}

// ObserveValidate records a validation result. Safe on a nil receiver.
func (m *Metrics) ObserveValidate(strategy, outcome string) {
	if m == nil {
		return
	}
	m.validateResults.WithLabelValues(strategy, outcome).Inc()
}

// ObserveRevocation records a token revocation. Safe on a nil receiver.
func (m *Metrics) ObserveRevocation() {
	if m == nil {
		return
	}
	m.tokenRevocations.Inc()
}

// ObserveCache records a cache lookup result. Safe on a nil receiver.
func (m *Metrics) ObserveCache(entry, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(entry, result).Inc()
}

// ObserveRefresh records a silent provider refresh. Safe on a nil receiver.
func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.providerRefresh.WithLabelValues(outcome).Inc()
}
