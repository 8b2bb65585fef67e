package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

// SyncResult reports what happened to one extracted row.
type SyncResult struct {
	SurfaceForm string `json:"surface_form"`
	EntityID    string `json:"entity_id"`
	Inserted    bool   `json:"inserted"`
}

// EntitySyncService adds extracted rows the catalog does not know yet.
type EntitySyncService interface {
	// InsertUnresolved resolves each row by its surface form and inserts the
	// ones with no candidate into the entity type's table, then catalogs them.
	// Row keys must be columns of that table.
	InsertUnresolved(ctx context.Context, entityType string, rows []map[string]any) ([]SyncResult, error)
}

type entitySyncService struct {
	registry  *schema.Registry
	resolver  EntityResolver
	ingestion EntityIngestionService
	gateway   SQLGateway
	threshold float64
	logger    *zap.Logger
}

// NewEntitySyncService creates an EntitySyncService. A row counts as known
// when its best catalog match reaches threshold.
func NewEntitySyncService(registry *schema.Registry, resolver EntityResolver, ingestion EntityIngestionService, gateway SQLGateway, threshold float64, logger *zap.Logger) EntitySyncService {
	return &entitySyncService{
		registry:  registry,
		resolver:  resolver,
		ingestion: ingestion,
		gateway:   gateway,
		threshold: threshold,
		logger:    logger.Named("entity-sync"),
	}
}

var _ EntitySyncService = (*entitySyncService)(nil)

type syncRow struct {
	columns []string
	values  []any
	surface string
}

func (s *entitySyncService) InsertUnresolved(ctx context.Context, entityType string, rows []map[string]any) ([]SyncResult, error) {
	table, ok := s.registry.TableForEntityType(entityType)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	prepared := make([]syncRow, len(rows))
	queries := make([]models.EntityQuery, len(rows))
	for i, row := range rows {
		r, err := prepareSyncRow(table, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		prepared[i] = r
		queries[i] = models.EntityQuery{EntityType: table.EntityType, SurfaceForm: r.surface}
	}
	if len(rows) == 0 {
		return []SyncResult{}, nil
	}

	resolutions, err := s.resolver.Resolve(ctx, queries, CutoffOptions{SoftK: 0, HardK: 1, Threshold: s.threshold})
	if err != nil {
		return nil, err
	}

	results := make([]SyncResult, len(rows))
	var inserted []repositories.SourceRow
	for i, res := range resolutions {
		r := prepared[i]
		results[i].SurfaceForm = r.surface
		if len(res.Resolved) > 0 {
			results[i].EntityID = res.Resolved[0].EntityID
			continue
		}

		placeholders := make([]string, len(r.values))
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", j+1)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			table.Name, strings.Join(r.columns, ", "), strings.Join(placeholders, ", "), table.PrimaryKey)

		id, err := s.gateway.InsertReturningID(ctx, stmt, r.values)
		if err != nil {
			return nil, fmt.Errorf("failed to insert %s %q: %w", table.EntityType, r.surface, err)
		}
		results[i].EntityID = id
		results[i].Inserted = true
		inserted = append(inserted, repositories.SourceRow{ID: id, Label: r.surface})
	}

	if len(inserted) > 0 {
		n, err := s.ingestion.IngestLabels(ctx, table, inserted)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Inserted unresolved entities",
			zap.String("entity_type", table.EntityType),
			zap.Int("rows", len(inserted)),
			zap.Int("surface_forms", n))
	}
	return results, nil
}

// prepareSyncRow orders the row's values by the table's column order and
// builds the surface form from them.
func prepareSyncRow(table *schema.Table, row map[string]any) (syncRow, error) {
	for key := range row {
		if !table.HasColumn(key) {
			return syncRow{}, fmt.Errorf("%s has no column %q", table.Name, key)
		}
	}

	var (
		out   syncRow
		texts []string
	)
	for _, c := range table.Columns {
		if c.Name == table.PrimaryKey {
			continue
		}
		v, ok := row[c.Name]
		if !ok || v == nil {
			continue
		}
		out.columns = append(out.columns, c.Name)
		out.values = append(out.values, v)
		texts = append(texts, fmt.Sprint(v))
	}
	if len(out.columns) == 0 {
		return syncRow{}, fmt.Errorf("row has no values")
	}

	out.surface = SurfaceForm(texts)
	if out.surface == "" {
		return syncRow{}, fmt.Errorf("row has no text to resolve")
	}
	return out, nil
}
