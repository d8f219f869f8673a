package logging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Authorization flow
	AuthStarted  AuditEventType = "AUTH_STARTED"
	AuthSuccess  AuditEventType = "AUTH_SUCCESS"
	AuthFailure  AuditEventType = "AUTH_FAILURE"
	TokenRefresh AuditEventType = "TOKEN_REFRESH"
	TokenPurged  AuditEventType = "TOKEN_PURGED"
	TokenRevoked AuditEventType = "TOKEN_REVOKED"

	// Scheduler
	JobStarted      AuditEventType = "JOB_STARTED"
	JobDeregistered AuditEventType = "JOB_DEREGISTERED"

	// Admin
	AdminAccess AuditEventType = "ADMIN_ACCESS"
	UserRemoved AuditEventType = "USER_REMOVED"
)

// AuditSeverity represents the severity level of an audit event
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent records a change to a user's credentials or collection jobs.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	Severity     AuditSeverity          `json:"severity"`
	UserID       string                 `json:"user_id,omitempty"`
	Action       string                 `json:"action"`
	Resource     string                 `json:"resource,omitempty"`
	Status       AuditStatus            `json:"status"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// NewAuditEvent creates a new audit event with a generated ID and timestamp
func NewAuditEvent(eventType AuditEventType, action string, status AuditStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  SeverityInfo,
		Action:    action,
		Status:    status,
	}
}

// WithUserID sets the user ID for the audit event
func (e *AuditEvent) WithUserID(userID string) *AuditEvent {
	e.UserID = userID
	return e
}

// WithResource sets the resource for the audit event
func (e *AuditEvent) WithResource(resource string) *AuditEvent {
	e.Resource = resource
	return e
}

// WithSeverity sets the severity for the audit event
func (e *AuditEvent) WithSeverity(severity AuditSeverity) *AuditEvent {
	e.Severity = severity
	return e
}

// WithDetails sets the details map for the audit event
func (e *AuditEvent) WithDetails(details map[string]interface{}) *AuditEvent {
	e.Details = details
	return e
}

// WithError sets the error message for the audit event
func (e *AuditEvent) WithError(err error) *AuditEvent {
	if err == nil {
		return e
	}
	e.ErrorMessage = err.Error()
	e.Status = StatusFailure
	if e.Severity == SeverityInfo || e.Severity == "" {
		e.Severity = SeverityError
	}
	return e
}

// ToJSON converts the audit event to a JSON string
func (e *AuditEvent) ToJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal audit event: %v"}`, err)
	}
	return string(data)
}

// ParseAuditEvent parses a JSON string into an AuditEvent
func ParseAuditEvent(data string) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to parse audit event: %w", err)
	}
	return &event, nil
}

// Audit writes the event through the logger at a level matching its severity.
func (l *Logger) Audit(e *AuditEvent) {
	if l == nil || e == nil {
		return
	}
	fields := []interface{}{
		"audit_id", e.ID,
		"event_type", string(e.EventType),
		"action", e.Action,
		"status", string(e.Status),
	}
	if e.UserID != "" {
		fields = append(fields, "user_id", e.UserID)
	}
	if e.Resource != "" {
		fields = append(fields, "resource", e.Resource)
	}
	if e.ErrorMessage != "" {
		fields = append(fields, "error", e.ErrorMessage)
	}
	for k, v := range e.Details {
		fields = append(fields, k, v)
	}

	switch e.Severity {
	case SeverityWarning:
		l.Warn("audit", fields...)
	case SeverityError, SeverityCritical:
		l.Error("audit", fields...)
	default:
		l.Info("audit", fields...)
	}
}
