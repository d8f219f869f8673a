package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	var total float64
	for metric := range ch {
		var pb dto.Metric
		require.NoError(t, metric.Write(&pb))
		switch {
		case pb.Counter != nil:
			total += pb.Counter.GetValue()
		case pb.Gauge != nil:
			total += pb.Gauge.GetValue()
		}
	}
	return total
}

func TestMetricsRecordingAndHandler(t *testing.T) {
	m := NewMetrics("test")

	m.RecordRequestLatency("/health", "GET", "200", 0.01)
	m.RecordHTTPRequest("/health", "GET", "200")
	m.IncHTTPRequestsInFlight()
	m.DecHTTPRequestsInFlight()
	m.RecordAuthorization("success")
	m.RecordTokenRefresh("failure")
	m.RecordAPIAttempt("rate_limited")
	m.RecordRateLimitRemaining("u1", 42)
	m.RecordPayload("daily", "spo2")
	m.RecordPayloadsPurged(3)
	m.RecordPayloadsPurged(0)
	m.RecordJobRun("daily", "success", 1.5)
	m.RecordJobDeregistered("daily")
	m.SetActiveJobs(4)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"test_request_latency_seconds",
		"test_authorizations_total",
		"test_token_refreshes_total",
		"test_api_attempts_total",
		"test_rate_limit_remaining",
		"test_job_runs_total",
		"test_job_deregistrations_total",
	} {
		assert.True(t, strings.Contains(body, name), name)
	}

	assert.Equal(t, 42.0, counterValue(t, m.RateLimitRemaining.WithLabelValues("u1")))
	assert.Equal(t, 3.0, counterValue(t, m.PayloadsPurged))
	assert.Equal(t, 1.0, counterValue(t, m.JobDeregistrations.WithLabelValues("daily")))
	assert.Equal(t, 4.0, counterValue(t, m.ActiveJobs))
	assert.Equal(t, 0.0, counterValue(t, m.HTTPRequestsInFlight))

	_, err := m.Registry().Gather()
	assert.NoError(t, err)
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	a := NewMetrics("same")
	b := NewMetrics("same")

	a.RecordAPIAttempt("success")
	assert.Equal(t, 1.0, counterValue(t, a.APIAttempts.WithLabelValues("success")))
	assert.Equal(t, 0.0, counterValue(t, b.APIAttempts.WithLabelValues("success")))
}
