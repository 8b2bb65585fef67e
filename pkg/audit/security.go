// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags a bound parameter value.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventReadOnlyViolation is logged when a non-SELECT statement reaches the read path.
	EventReadOnlyViolation SecurityEventType = "read_only_violation"
	// EventQueryExecution is logged for successful query execution (optional, can be high volume).
	EventQueryExecution SecurityEventType = "query_execution"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	RequestID uuid.UUID         `json:"request_id"`
	SessionID string            `json:"session_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SQLInjectionDetails describes a flagged parameter. The value itself is never
// recorded, only its length.
type SQLInjectionDetails struct {
	ParamName   string `json:"param_name"`
	ValueLength int    `json:"value_length"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
	Statement   string `json:"statement"`   // sanitized SQL the value was bound into
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

func newEvent(ctx context.Context, eventType SecurityEventType, severity string, details any) SecurityEvent {
	info := RequestInfoFromContext(ctx)
	return SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		RequestID: info.RequestID,
		SessionID: info.SessionID,
		ClientIP:  info.ClientIP,
		Details:   details,
		Severity:  severity,
	}
}

// LogInjectionAttempt records a flagged parameter value.
// This is logged at ERROR level with "critical" severity for immediate alerting;
// the value was bound, so the statement still runs.
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, details SQLInjectionDetails) {
	event := newEvent(ctx, EventSQLInjectionAttempt, "critical", details)

	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", event.RequestID.String()),
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	)
}

// LogReadOnlyViolation records a statement rejected by the read-only gate.
func (a *SecurityAuditor) LogReadOnlyViolation(ctx context.Context, keyword string) {
	event := newEvent(ctx, EventReadOnlyViolation, "warning", map[string]string{
		"keyword": keyword,
	})
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Read-only gate rejected statement",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", event.RequestID.String()),
		zap.String("keyword", keyword),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	)
}

// LogQueryExecution records a successful read for the audit trail.
// Note: This can generate high log volume in production.
func (a *SecurityAuditor) LogQueryExecution(ctx context.Context, rowCount int, duration time.Duration) {
	event := newEvent(ctx, EventQueryExecution, "info", map[string]any{
		"row_count":   rowCount,
		"duration_ms": duration.Milliseconds(),
	})
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Query executed",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", event.RequestID.String()),
		zap.Int("row_count", rowCount),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	)
}
