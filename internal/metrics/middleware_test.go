package metrics

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuguri76/fitbit/internal/logging"
)

func TestMiddlewareRecordsMetricsAndErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := NewMetrics("testmw")
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf), logging.WithLevel(logging.LevelDebug))

	r := gin.New()
	r.Use(Middleware(m, logger))

	var seen string
	r.GET("/ok", func(c *gin.Context) {
		seen = logging.GetCorrelationID(c.Request.Context())
		c.Status(200)
	})
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(500)
	})
	r.NoRoute(func(c *gin.Context) {
		c.Status(404)
	})

	for _, path := range []string{"/ok", "/err", "/missing"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		r.ServeHTTP(w, req)
		assert.NotEmpty(t, w.Header().Get(CorrelationHeader), path)
	}

	assert.NotEmpty(t, seen)
	assert.Contains(t, buf.String(), "request error")

	families, err := m.registry.Gather()
	require.NoError(t, err)

	assert.True(t, metricHasLabel(families, "testmw_http_requests_total", "endpoint", "/ok"))
	assert.True(t, metricHasLabel(families, "testmw_http_requests_total", "endpoint", "unmatched"))
	assert.False(t, metricHasLabel(families, "testmw_http_requests_total", "endpoint", "/missing"))
}

func TestMiddlewareKeepsIncomingCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware(NewMetrics("testcid"), logging.NewNop()))

	var seen string
	r.GET("/ok", func(c *gin.Context) {
		seen = logging.GetCorrelationID(c.Request.Context())
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ok", nil)
	req.Header.Set(CorrelationHeader, "abc-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get(CorrelationHeader))
}

func metricHasLabel(families []*dto.MetricFamily, name, key, value string) bool {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.Metric {
			for _, label := range metric.Label {
				if label.GetName() == key && label.GetValue() == value {
					return true
				}
			}
		}
	}
	return false
}
