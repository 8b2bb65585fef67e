package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/database"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// MCPAuditFilters narrows an audit log listing.
type MCPAuditFilters struct {
	EventType     string
	ToolName      string
	SecurityLevel string
	Since         *time.Time
	Limit         int
}

// MCPAuditRepository provides data access for the MCP audit log.
type MCPAuditRepository interface {
	Create(ctx context.Context, event *models.MCPAuditEvent) error
	List(ctx context.Context, filters MCPAuditFilters) ([]*models.MCPAuditEvent, error)
}

type mcpAuditRepository struct {
	db *database.DB
}

// NewMCPAuditRepository creates a new MCPAuditRepository.
func NewMCPAuditRepository(db *database.DB) MCPAuditRepository {
	return &mcpAuditRepository{db: db}
}

var _ MCPAuditRepository = (*mcpAuditRepository)(nil)

func (r *mcpAuditRepository) Create(ctx context.Context, event *models.MCPAuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	requestParamsJSON, err := marshalJSONB(event.RequestParams)
	if err != nil {
		return fmt.Errorf("failed to marshal request_params: %w", err)
	}
	resultSummaryJSON, err := marshalJSONB(event.ResultSummary)
	if err != nil {
		return fmt.Errorf("failed to marshal result_summary: %w", err)
	}

	query := `
		INSERT INTO mcp_audit_log (
			id, session_id, client_ip,
			event_type, tool_name,
			request_params, natural_language, sql_query, outcome_status,
			was_successful, error_message, result_summary,
			duration_ms, security_level, security_flags, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = r.db.Exec(ctx, query,
		event.ID,
		event.SessionID,
		event.ClientIP,
		event.EventType,
		event.ToolName,
		requestParamsJSON,
		event.NaturalLanguage,
		event.SQLQuery,
		event.OutcomeStatus,
		event.WasSuccessful,
		event.ErrorMessage,
		resultSummaryJSON,
		event.DurationMs,
		event.SecurityLevel,
		event.SecurityFlags,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP audit event: %w", err)
	}
	return nil
}

func (r *mcpAuditRepository) List(ctx context.Context, filters MCPAuditFilters) ([]*models.MCPAuditEvent, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filters.EventType != "" {
		add("event_type = $%d", filters.EventType)
	}
	if filters.ToolName != "" {
		add("tool_name = $%d", filters.ToolName)
	}
	if filters.SecurityLevel != "" {
		add("security_level = $%d", filters.SecurityLevel)
	}
	if filters.Since != nil {
		add("created_at >= $%d", *filters.Since)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, session_id, client_ip, event_type, tool_name,
		       request_params, natural_language, sql_query, outcome_status,
		       was_successful, error_message, result_summary,
		       duration_ms, security_level, security_flags, created_at
		FROM mcp_audit_log
		%s
		ORDER BY created_at DESC
		LIMIT $%d`, where, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list MCP audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.MCPAuditEvent
	for rows.Next() {
		var (
			e                   models.MCPAuditEvent
			paramsJSON, sumJSON []byte
		)
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.ClientIP, &e.EventType, &e.ToolName,
			&paramsJSON, &e.NaturalLanguage, &e.SQLQuery, &e.OutcomeStatus,
			&e.WasSuccessful, &e.ErrorMessage, &sumJSON,
			&e.DurationMs, &e.SecurityLevel, &e.SecurityFlags, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan MCP audit event: %w", err)
		}
		unmarshalJSONB(paramsJSON, &e.RequestParams)
		unmarshalJSONB(sumJSON, &e.ResultSummary)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating MCP audit events: %w", err)
	}
	return events, nil
}

// marshalJSONB marshals a map to JSON bytes for a JSONB column. Empty maps become NULL.
func marshalJSONB(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// unmarshalJSONB unmarshals JSON bytes into a map, silently ignoring nil/empty input.
func unmarshalJSONB(data []byte, target *map[string]any) {
	if len(data) > 0 && string(data) != "null" {
		_ = json.Unmarshal(data, target)
	}
}
