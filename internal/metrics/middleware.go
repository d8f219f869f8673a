package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yuguri76/fitbit/internal/logging"
)

// CorrelationHeader carries the request correlation ID.
const CorrelationHeader = "X-Correlation-ID"

// Middleware records HTTP metrics for each request and attaches a correlation
// ID to the request context.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(CorrelationHeader); id != "" {
			ctx = logging.WithCorrelationID(ctx, id)
		}
		ctx, correlationID := logging.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, correlationID)

		start := time.Now()
		m.IncHTTPRequestsInFlight()
		c.Next()
		m.DecHTTPRequestsInFlight()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, duration)
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(ctx, "request error", "path", c.Request.URL.Path, "error", c.Errors.String())
		}
	}
}
