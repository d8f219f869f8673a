package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yuguri76/fitbit/internal/logging"
)

// AuditSink receives audit events. *logging.Logger satisfies it.
type AuditSink interface {
	Audit(e *logging.AuditEvent)
}

// AdminAudit creates a Gin middleware that records every admin request,
// including the ones rejected further down the chain.
func AdminAudit(sink AuditSink) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		event := logging.NewAuditEvent(logging.AdminAccess, c.Request.Method+" "+c.FullPath(), logging.StatusSuccess)
		event.Resource = path
		event.UserID = c.Param("user_id")
		if status >= 400 {
			event.Status = logging.StatusFailure
			event.Severity = logging.SeverityWarning
		}
		if len(c.Errors) > 0 {
			event.ErrorMessage = c.Errors.String()
		}

		event.Details = map[string]interface{}{
			"method":     c.Request.Method,
			"http_code":  status,
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}
		if cadence := c.Param("cadence"); cadence != "" {
			event.Details["cadence"] = cadence
		}

		sink.Audit(event)
	}
}
