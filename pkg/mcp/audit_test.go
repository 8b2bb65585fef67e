package mcp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/audit"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

type memoryRecorder struct {
	mu     sync.Mutex
	events []*models.MCPAuditEvent
	err    error
}

func (m *memoryRecorder) Create(ctx context.Context, event *models.MCPAuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func TestAuditLogger_RecordsToolCalls(t *testing.T) {
	recorder := &memoryRecorder{}
	auditLogger := NewAuditLogger(recorder, zap.NewNop())

	s := server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true), server.WithHooks(auditLogger.Hooks()))
	s.AddTool(mcplib.NewTool("ask_database"), func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		return mcplib.NewToolResultText(`{"outcome":{"status":"resolved","query":{"sql":"SELECT c.* FROM classes c LIMIT $1","params":[100]}},"row_count":3}`), nil
	})

	ctx := audit.WithRequestInfo(context.Background(), audit.RequestInfo{SessionID: "sess-1", ClientIP: "10.0.0.1"})
	s.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ask_database","arguments":{"question":"Which classes run today?","api_key":"abc"}}}`))
	auditLogger.Wait()

	require.Len(t, recorder.events, 1)
	event := recorder.events[0]
	assert.Equal(t, models.MCPEventToolCall, event.EventType)
	assert.True(t, event.WasSuccessful)
	assert.Equal(t, "ask_database", *event.ToolName)
	assert.Equal(t, "Which classes run today?", *event.NaturalLanguage)
	assert.Equal(t, "resolved", *event.OutcomeStatus)
	assert.Equal(t, "SELECT c.* FROM classes c LIMIT $1", *event.SQLQuery)
	assert.Equal(t, "sess-1", *event.SessionID)
	assert.Equal(t, "10.0.0.1", *event.ClientIP)
	assert.Equal(t, 3, event.ResultSummary["row_count"])
	assert.True(t, strings.HasPrefix(event.RequestParams["api_key"].(string), "sha256:"))
	require.NotNil(t, event.DurationMs)
}

func TestAuditLogger_StoreFailureIsLoggedNotPropagated(t *testing.T) {
	recorder := &memoryRecorder{err: errors.New("db down")}
	auditLogger := NewAuditLogger(recorder, zap.NewNop())

	s := server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true), server.WithHooks(auditLogger.Hooks()))
	s.AddTool(mcplib.NewTool("health"), func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		return mcplib.NewToolResultText(`{"status":"ok"}`), nil
	})

	resp := s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"health"}}`))
	auditLogger.Wait()

	assert.NotNil(t, resp)
	assert.Len(t, recorder.events, 1)
}

func TestClassifyToolCallSecurity(t *testing.T) {
	tests := []struct {
		name      string
		result    *mcplib.CallToolResult
		wantType  string
		wantLevel string
	}{
		{"nil result", nil, models.MCPEventToolCall, models.MCPSecurityNormal},
		{"success", &mcplib.CallToolResult{IsError: false}, models.MCPEventToolCall, models.MCPSecurityNormal},
		{
			"injection",
			&mcplib.CallToolResult{IsError: true, Content: []mcplib.Content{mcplib.TextContent{Text: `{"code":"security_violation","message":"SQL injection detected"}`}}},
			models.MCPEventSQLInjectionAttempt, models.MCPSecurityCritical,
		},
		{
			"write attempt",
			&mcplib.CallToolResult{IsError: true, Content: []mcplib.Content{mcplib.TextContent{Text: `{"code":"read_only_violation"}`}}},
			models.MCPEventReadOnlyViolation, models.MCPSecurityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &models.MCPAuditEvent{EventType: models.MCPEventToolCall, SecurityLevel: models.MCPSecurityNormal}
			classifyToolCallSecurity(event, tt.result)
			assert.Equal(t, tt.wantType, event.EventType)
			assert.Equal(t, tt.wantLevel, event.SecurityLevel)
		})
	}
}

func TestClassifyErrorSecurity(t *testing.T) {
	tests := []struct {
		msg       string
		wantType  string
		wantLevel string
		wantFlags []string
	}{
		{"possible SQL injection in parameter 1", models.MCPEventSQLInjectionAttempt, models.MCPSecurityCritical, []string{"sql_injection_attempt"}},
		{"statement is not read-only", models.MCPEventToolError, models.MCPSecurityWarning, []string{"write_attempt"}},
		{"rate limit exceeded", models.MCPEventRateLimitHit, models.MCPSecurityWarning, []string{"rate_limit"}},
		{"connection refused", models.MCPEventToolError, models.MCPSecurityNormal, nil},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			event := &models.MCPAuditEvent{EventType: models.MCPEventToolError, SecurityLevel: models.MCPSecurityNormal}
			classifyErrorSecurity(event, tt.msg)
			assert.Equal(t, tt.wantType, event.EventType)
			assert.Equal(t, tt.wantLevel, event.SecurityLevel)
			assert.Equal(t, tt.wantFlags, event.SecurityFlags)
		})
	}
}

func TestSanitizeParams(t *testing.T) {
	assert.Nil(t, sanitizeParams(nil))

	got := sanitizeParams(map[string]any{
		"sql":      "SELECT * FROM teachers WHERE name = 'Sujatha' AND note = 'it''s'",
		"question": "Who teaches 'Physics'?",
		"limit":    100,
		"nested":   map[string]any{"password": "hunter2"},
	})
	assert.Equal(t, "SELECT * FROM teachers WHERE name = '***' AND note = '***'", got["sql"])
	assert.Equal(t, "Who teaches 'Physics'?", got["question"], "only SQL parameters are redacted")
	assert.Equal(t, 100, got["limit"])
	assert.Equal(t, hashSensitiveValue("hunter2"), got["nested"].(map[string]any)["password"])

	long := strings.Repeat("a", 20000)
	truncated := sanitizeParams(map[string]any{"sql": long})["sql"].(string)
	assert.Len(t, truncated, maxSQLSize+len("...[truncated]"))
}

func TestHashSensitiveValue(t *testing.T) {
	a := hashSensitiveValue("secret")
	assert.Equal(t, a, hashSensitiveValue("secret"))
	assert.NotEqual(t, a, hashSensitiveValue("other"))
	assert.Len(t, a, len("sha256:")+16)
}

func TestSummarizeResult(t *testing.T) {
	assert.Nil(t, summarizeResult(nil))

	got := summarizeResult(mcplib.NewToolResultText(`{"row_count": 7}`))
	assert.Equal(t, 7, got["row_count"])
	assert.Equal(t, false, got["is_error"])

	got = summarizeResult(mcplib.NewToolResultText(strings.Repeat("x", 500)))
	assert.True(t, strings.HasSuffix(got["preview"].(string), "...[truncated]"))
	_, ok := got["row_count"]
	assert.False(t, ok)
}
