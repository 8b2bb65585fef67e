package models

import (
	"time"

	"github.com/google/uuid"
)

// MCP audit event types.
const (
	MCPEventToolCall            = "tool_call"
	MCPEventToolError           = "tool_error"
	MCPEventSQLInjectionAttempt = "sql_injection_attempt"
	MCPEventReadOnlyViolation   = "read_only_violation"
	MCPEventRateLimitHit        = "rate_limit_hit"
)

// MCP audit security levels.
const (
	MCPSecurityNormal   = "normal"
	MCPSecurityWarning  = "warning"
	MCPSecurityCritical = "critical"
)

// MCPAuditEvent represents a single entry in the MCP audit log.
type MCPAuditEvent struct {
	ID uuid.UUID `json:"id"`

	// Who
	SessionID *string `json:"session_id,omitempty"`
	ClientIP  *string `json:"client_ip,omitempty"`

	// What
	EventType string  `json:"event_type"`
	ToolName  *string `json:"tool_name,omitempty"`

	// Request details
	RequestParams   map[string]any `json:"request_params,omitempty"`
	NaturalLanguage *string        `json:"natural_language,omitempty"`
	SQLQuery        *string        `json:"sql_query,omitempty"`
	OutcomeStatus   *string        `json:"outcome_status,omitempty"`

	// Response details
	WasSuccessful bool           `json:"was_successful"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ResultSummary map[string]any `json:"result_summary,omitempty"`

	DurationMs *int `json:"duration_ms,omitempty"`

	SecurityLevel string   `json:"security_level"`
	SecurityFlags []string `json:"security_flags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
