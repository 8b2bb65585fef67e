package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
)

const (
	defaultAuditListLimit = 100
	maxAuditListLimit     = 1000
)

// MCPAuditService records and lists MCP tool call audit events.
type MCPAuditService interface {
	// Create stores one event. It satisfies the MCP audit logger's recorder.
	Create(ctx context.Context, event *models.MCPAuditEvent) error
	List(ctx context.Context, filters repositories.MCPAuditFilters) ([]*models.MCPAuditEvent, error)
}

type mcpAuditService struct {
	repo   repositories.MCPAuditRepository
	logger *zap.Logger
}

// NewMCPAuditService creates an MCPAuditService.
func NewMCPAuditService(repo repositories.MCPAuditRepository, logger *zap.Logger) MCPAuditService {
	return &mcpAuditService{
		repo:   repo,
		logger: logger.Named("mcp-audit-service"),
	}
}

var _ MCPAuditService = (*mcpAuditService)(nil)

func (s *mcpAuditService) Create(ctx context.Context, event *models.MCPAuditEvent) error {
	err := s.repo.Create(ctx, event)
	if err != nil {
		s.logger.Error("Failed to record MCP audit event",
			zap.String("event_type", event.EventType),
			zap.String("security_level", event.SecurityLevel),
			zap.Error(err))
		return err
	}
	if event.SecurityLevel == models.MCPSecurityCritical {
		s.logger.Warn("Critical MCP security event recorded",
			zap.String("event_type", event.EventType),
			zap.Strings("flags", event.SecurityFlags))
	}
	return nil
}

func (s *mcpAuditService) List(ctx context.Context, filters repositories.MCPAuditFilters) ([]*models.MCPAuditEvent, error) {
	switch {
	case filters.Limit <= 0:
		filters.Limit = defaultAuditListLimit
	case filters.Limit > maxAuditListLimit:
		filters.Limit = maxAuditListLimit
	}

	events, err := s.repo.List(ctx, filters)
	if err != nil {
		s.logger.Error("Failed to list MCP audit events", zap.Error(err))
		return nil, err
	}
	if events == nil {
		events = []*models.MCPAuditEvent{}
	}
	return events, nil
}
