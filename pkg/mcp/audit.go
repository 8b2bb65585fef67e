package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/audit"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// AuditRecorder persists MCP audit events.
type AuditRecorder interface {
	Create(ctx context.Context, event *models.MCPAuditEvent) error
}

// AuditLogger writes MCP audit events asynchronously.
type AuditLogger struct {
	store  AuditRecorder
	logger *zap.Logger

	// startTimes tracks when tool calls begin, keyed by request ID.
	startTimes sync.Map
	pending    sync.WaitGroup
}

// NewAuditLogger creates an AuditLogger that records MCP events.
func NewAuditLogger(store AuditRecorder, logger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		store:  store,
		logger: logger.Named("mcp-audit"),
	}
}

// Hooks returns mcp-go Hooks configured to capture tool call events.
func (a *AuditLogger) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(a.beforeCallTool)
	hooks.AddAfterCallTool(a.afterCallTool)
	hooks.AddOnError(a.onError)
	return hooks
}

// Wait blocks until every queued event has been written.
func (a *AuditLogger) Wait() {
	a.pending.Wait()
}

func (a *AuditLogger) beforeCallTool(_ context.Context, id any, _ *mcplib.CallToolRequest) {
	a.startTimes.Store(id, time.Now())
}

func (a *AuditLogger) afterCallTool(ctx context.Context, id any, req *mcplib.CallToolRequest, toolResult *mcplib.CallToolResult) {
	startTime, _ := a.loadAndDeleteStart(id)
	durationMs := int(time.Since(startTime).Milliseconds())

	event := a.buildEvent(ctx, req)
	event.EventType = models.MCPEventToolCall
	event.WasSuccessful = toolResult == nil || !toolResult.IsError
	event.DurationMs = &durationMs
	event.ResultSummary = summarizeResult(toolResult)
	attachOutcome(event, toolResult)

	classifyToolCallSecurity(event, toolResult)

	a.enqueue(event)
}

func (a *AuditLogger) onError(ctx context.Context, id any, method mcplib.MCPMethod, message any, err error) {
	if method != mcplib.MethodToolsCall {
		return
	}

	req, ok := message.(*mcplib.CallToolRequest)
	if !ok {
		return
	}

	startTime, _ := a.loadAndDeleteStart(id)
	durationMs := int(time.Since(startTime).Milliseconds())

	event := a.buildEvent(ctx, req)
	event.EventType = models.MCPEventToolError
	event.WasSuccessful = false
	event.DurationMs = &durationMs

	errMsg := err.Error()
	event.ErrorMessage = &errMsg

	classifyErrorSecurity(event, errMsg)

	a.enqueue(event)
}

func (a *AuditLogger) loadAndDeleteStart(id any) (time.Time, bool) {
	if v, ok := a.startTimes.LoadAndDelete(id); ok {
		return v.(time.Time), true
	}
	return time.Now(), false
}

func (a *AuditLogger) buildEvent(ctx context.Context, req *mcplib.CallToolRequest) *models.MCPAuditEvent {
	event := &models.MCPAuditEvent{
		SecurityLevel: models.MCPSecurityNormal,
	}

	toolName := req.Params.Name
	event.ToolName = &toolName
	event.RequestParams = sanitizeParams(req.Params.Arguments)

	if args, ok := req.Params.Arguments.(map[string]any); ok {
		if q, ok := args["question"].(string); ok && q != "" {
			event.NaturalLanguage = &q
		}
	}

	info := audit.RequestInfoFromContext(ctx)
	if info.SessionID != "" {
		event.SessionID = &info.SessionID
	}
	if info.ClientIP != "" {
		event.ClientIP = &info.ClientIP
	}
	return event
}

func (a *AuditLogger) enqueue(event *models.MCPAuditEvent) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		a.record(event)
	}()
}

// record writes the audit event with its own deadline so a finished
// request context cannot cancel it.
func (a *AuditLogger) record(event *models.MCPAuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.Create(ctx, event); err != nil {
		a.logger.Error("Failed to record MCP audit event",
			zap.Error(err),
			zap.String("event_type", event.EventType))
	}
}

// maxSQLSize is the maximum size of SQL strings stored in audit logs.
const maxSQLSize = 10240 // 10KB

// sqlStringLiteralPattern matches SQL string literals: 'value', 'it''s escaped', etc.
var sqlStringLiteralPattern = regexp.MustCompile(`'(?:[^']*(?:'')?)*[^']*'`)

var sensitiveKeywords = []string{"password", "secret", "token", "api_key", "credential"}

// sanitizeParams sanitizes request parameters before storing in the audit log.
// Applies: SQL truncation, string literal redaction, sensitive value hashing.
func sanitizeParams(args any) map[string]any {
	params, ok := args.(map[string]any)
	if !ok || len(params) == 0 {
		return nil
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		sanitized[k] = sanitizeValue(k, v)
	}
	return sanitized
}

func sanitizeValue(key string, value any) any {
	if isSensitiveKey(key) {
		return hashSensitiveValue(value)
	}

	switch val := value.(type) {
	case string:
		return sanitizeStringParam(key, val)
	case map[string]any:
		return sanitizeParams(val)
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func sanitizeStringParam(key string, val string) string {
	if len(val) > maxSQLSize {
		val = val[:maxSQLSize] + "...[truncated]"
	}
	if isSQLParam(key) {
		val = redactSQLStringLiterals(val)
	}
	return val
}

// isSQLParam returns true if a parameter key likely contains SQL.
func isSQLParam(key string) bool {
	lower := strings.ToLower(key)
	return lower == "sql" || strings.HasSuffix(lower, "_sql")
}

// redactSQLStringLiterals replaces string literal values in SQL with '***'.
func redactSQLStringLiterals(sql string) string {
	return sqlStringLiteralPattern.ReplaceAllString(sql, "'***'")
}

// hashSensitiveValue returns a SHA-256 hash prefix for sensitive values,
// allowing correlation across audit entries without storing the actual value.
func hashSensitiveValue(value any) string {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	default:
		str = fmt.Sprintf("%v", v)
	}
	hash := sha256.Sum256([]byte(str))
	return "sha256:" + hex.EncodeToString(hash[:8])
}

// summarizeResult creates a compact summary of the tool result.
func summarizeResult(result *mcplib.CallToolResult) map[string]any {
	if result == nil {
		return nil
	}

	summary := map[string]any{
		"is_error": result.IsError,
	}
	if text, ok := firstText(result); ok {
		summary["content_count"] = len(result.Content)
		extractRowCount(text, summary)
		if len(text) > 200 {
			text = text[:200] + "...[truncated]"
		}
		summary["preview"] = text
	}
	return summary
}

func firstText(result *mcplib.CallToolResult) (string, bool) {
	if result == nil {
		return "", false
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text, true
		}
	}
	return "", false
}

// extractRowCount copies the row_count field of a JSON text response into summary.
func extractRowCount(text string, summary map[string]any) {
	var partial struct {
		RowCount *int `json:"row_count"`
	}
	if err := json.Unmarshal([]byte(text), &partial); err == nil && partial.RowCount != nil {
		summary["row_count"] = *partial.RowCount
	}
}

// attachOutcome records the pipeline status and SQL carried by an
// ask_database style result.
func attachOutcome(event *models.MCPAuditEvent, result *mcplib.CallToolResult) {
	text, ok := firstText(result)
	if !ok {
		return
	}
	var partial struct {
		Outcome *models.OutcomeEnvelope `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(text), &partial); err != nil || partial.Outcome == nil {
		return
	}
	status := string(partial.Outcome.Status)
	event.OutcomeStatus = &status
	if partial.Outcome.Query != nil {
		sql := partial.Outcome.Query.SQL
		if len(sql) > maxSQLSize {
			sql = sql[:maxSQLSize]
		}
		event.SQLQuery = &sql
	}
}

// classifyToolCallSecurity inspects a tool result to detect security-relevant
// patterns reported as error JSON.
func classifyToolCallSecurity(event *models.MCPAuditEvent, result *mcplib.CallToolResult) {
	if result == nil || !result.IsError {
		return
	}

	for _, c := range result.Content {
		tc, ok := c.(mcplib.TextContent)
		if !ok {
			continue
		}
		text := strings.ToLower(tc.Text)

		if strings.Contains(text, "injection") {
			event.EventType = models.MCPEventSQLInjectionAttempt
			event.SecurityLevel = models.MCPSecurityCritical
			event.SecurityFlags = append(event.SecurityFlags, "sql_injection_attempt")
			return
		}
		if strings.Contains(text, "read_only_violation") {
			event.EventType = models.MCPEventReadOnlyViolation
			event.SecurityLevel = models.MCPSecurityWarning
			event.SecurityFlags = append(event.SecurityFlags, "write_attempt")
			return
		}
	}
}

// classifyErrorSecurity inspects an error message to detect security-relevant patterns
// and upgrades the event's security classification accordingly.
func classifyErrorSecurity(event *models.MCPAuditEvent, errMsg string) {
	lower := strings.ToLower(errMsg)

	switch {
	case strings.Contains(lower, "injection"):
		event.EventType = models.MCPEventSQLInjectionAttempt
		event.SecurityLevel = models.MCPSecurityCritical
		event.SecurityFlags = append(event.SecurityFlags, "sql_injection_attempt")
	case strings.Contains(lower, "read-only") || strings.Contains(lower, "read only"):
		event.SecurityLevel = models.MCPSecurityWarning
		event.SecurityFlags = append(event.SecurityFlags, "write_attempt")
	case strings.Contains(lower, "rate limit"):
		event.EventType = models.MCPEventRateLimitHit
		event.SecurityLevel = models.MCPSecurityWarning
		event.SecurityFlags = append(event.SecurityFlags, "rate_limit")
	}
}
