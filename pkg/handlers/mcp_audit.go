package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/services"
)

// MCPAuditHandler lists recorded MCP tool calls.
type MCPAuditHandler struct {
	audit  services.MCPAuditService
	logger *zap.Logger
}

// NewMCPAuditHandler creates a new MCPAuditHandler.
func NewMCPAuditHandler(audit services.MCPAuditService, logger *zap.Logger) *MCPAuditHandler {
	return &MCPAuditHandler{audit: audit, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *MCPAuditHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/mcp-audit", h.List)
}

// List handles GET /api/admin/mcp-audit.
// Query parameters: event_type, tool_name, security_level, since (RFC 3339), limit.
func (h *MCPAuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := repositories.MCPAuditFilters{
		EventType:     q.Get("event_type"),
		ToolName:      q.Get("tool_name"),
		SecurityLevel: q.Get("security_level"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_since", "since must be an RFC 3339 timestamp")
			return
		}
		filters.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		filters.Limit = limit
	}

	events, err := h.audit.List(r.Context(), filters)
	if err != nil {
		h.logger.Error("Failed to list MCP audit events", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list audit events")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: events}); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *MCPAuditHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
