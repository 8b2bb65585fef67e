package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/audit"
)

// TestServer_HTTPContextPropagation verifies that request info set by the HTTP
// middleware reaches MCP tool handlers.
func TestServer_HTTPContextPropagation(t *testing.T) {
	requestID := uuid.New()
	var received *audit.RequestInfo

	s := NewServer("test-server", "1.0.0", zap.NewNop())

	tool := mcp.NewTool("test-request-info", mcp.WithDescription("Test tool that reads request info from context"))
	s.RegisterTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		info := audit.RequestInfoFromContext(ctx)
		received = &info
		return mcp.NewToolResultText("ok"), nil
	})

	httpServer := s.NewStreamableHTTPServer()

	toolCallRequest := map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"params": map[string]any{
			"name": "test-request-info",
		},
		"id": 1,
	}
	body, _ := json.Marshal(toolCallRequest)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	// Simulate what the request logger middleware does
	ctx := audit.WithRequestInfo(req.Context(), audit.RequestInfo{RequestID: requestID, ClientIP: "192.0.2.7"})
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	httpServer.ServeHTTP(rec, req)

	if received == nil {
		t.Fatal("expected tool handler to be called")
	}
	if received.RequestID != requestID {
		t.Errorf("expected request ID %q, got %q", requestID, received.RequestID)
	}
	if received.ClientIP != "192.0.2.7" {
		t.Errorf("expected client IP 192.0.2.7, got %q", received.ClientIP)
	}
}
