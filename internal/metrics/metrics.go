package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// Authorizations counts authorization callbacks by outcome
	Authorizations *prometheus.CounterVec
	// TokenRefreshes counts token refreshes by outcome
	TokenRefreshes *prometheus.CounterVec
	// APIAttempts counts outbound Fitbit API attempts by outcome
	APIAttempts *prometheus.CounterVec
	// RateLimitRemaining is the last reported hourly quota left per user
	RateLimitRemaining *prometheus.GaugeVec
	// PayloadsCollected counts stored payloads by cadence and resource
	PayloadsCollected *prometheus.CounterVec
	// PayloadsPurged counts payload rows removed by retention
	PayloadsPurged prometheus.Counter
	// JobRuns counts scheduler ticks by cadence and outcome
	JobRuns *prometheus.CounterVec
	// JobDuration tracks tick duration by cadence
	JobDuration *prometheus.HistogramVec
	// JobDeregistrations counts jobs stopped after an authentication failure
	JobDeregistrations *prometheus.CounterVec
	// ActiveJobs is the number of registered (user, cadence) jobs
	ActiveJobs prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		Authorizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authorizations_total",
				Help:      "Total number of authorization code exchanges",
			},
			[]string{"outcome"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of token refreshes",
			},
			[]string{"outcome"},
		),
		APIAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_attempts_total",
				Help:      "Total number of Fitbit API attempts",
			},
			[]string{"outcome"},
		),
		RateLimitRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limit_remaining",
				Help:      "Requests left in the current hourly window",
			},
			[]string{"user_id"},
		),
		PayloadsCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payloads_collected_total",
				Help:      "Total number of collected payloads",
			},
			[]string{"cadence", "resource"},
		),
		PayloadsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payloads_purged_total",
				Help:      "Total number of payloads removed by retention",
			},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Total number of scheduled job ticks",
			},
			[]string{"cadence", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Scheduled job tick duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"cadence"},
		),
		JobDeregistrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_deregistrations_total",
				Help:      "Total number of jobs stopped after authentication failures",
			},
			[]string{"cadence"},
		),
		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Number of registered collection jobs",
			},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.Authorizations,
		m.TokenRefreshes,
		m.APIAttempts,
		m.RateLimitRemaining,
		m.PayloadsCollected,
		m.PayloadsPurged,
		m.JobRuns,
		m.JobDuration,
		m.JobDeregistrations,
		m.ActiveJobs,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordAuthorization records an authorization code exchange
func (m *Metrics) RecordAuthorization(outcome string) {
	m.Authorizations.WithLabelValues(outcome).Inc()
}

// RecordTokenRefresh records a token refresh
func (m *Metrics) RecordTokenRefresh(outcome string) {
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordAPIAttempt records one outbound API attempt
func (m *Metrics) RecordAPIAttempt(outcome string) {
	m.APIAttempts.WithLabelValues(outcome).Inc()
}

// RecordRateLimitRemaining sets the remaining hourly quota for a user
func (m *Metrics) RecordRateLimitRemaining(userID string, remaining int64) {
	m.RateLimitRemaining.WithLabelValues(userID).Set(float64(remaining))
}

// RecordPayload records a stored payload
func (m *Metrics) RecordPayload(cadence, resource string) {
	m.PayloadsCollected.WithLabelValues(cadence, resource).Inc()
}

// RecordPayloadsPurged adds n purged payload rows
func (m *Metrics) RecordPayloadsPurged(n int64) {
	if n > 0 {
		m.PayloadsPurged.Add(float64(n))
	}
}

// RecordJobRun records a finished job tick
func (m *Metrics) RecordJobRun(cadence, outcome string, durationSeconds float64) {
	m.JobRuns.WithLabelValues(cadence, outcome).Inc()
	m.JobDuration.WithLabelValues(cadence).Observe(durationSeconds)
}

// RecordJobDeregistered records a job stopped by an authentication failure
func (m *Metrics) RecordJobDeregistered(cadence string) {
	m.JobDeregistrations.WithLabelValues(cadence).Inc()
}

// SetActiveJobs sets the number of registered jobs
func (m *Metrics) SetActiveJobs(n int) {
	m.ActiveJobs.Set(float64(n))
}
