package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

// ColumnResolver binds semantic column hints to physical columns.
type ColumnResolver interface {
	// Retrieve returns the k best columns of tableName for semanticColumn.
	Retrieve(ctx context.Context, semanticColumn, tableName string, k int) ([]models.ColumnMatch, error)
	// ResolveFirst tries tables in order and returns the best column of the
	// first table that yields any match, or nil when none does.
	ResolveFirst(ctx context.Context, semanticColumn string, tables []string, k int) (*models.ColumnMatch, error)
}

type columnResolver struct {
	repo     repositories.ColumnRepository
	registry *schema.Registry
	embedder llm.Embedder
	logger   *zap.Logger
}

// NewColumnResolver creates a ColumnResolver. Only columns declared in
// registry are ever returned.
func NewColumnResolver(repo repositories.ColumnRepository, registry *schema.Registry, embedder llm.Embedder, logger *zap.Logger) ColumnResolver {
	return &columnResolver{
		repo:     repo,
		registry: registry,
		embedder: embedder,
		logger:   logger.Named("column-resolver"),
	}
}

var _ ColumnResolver = (*columnResolver)(nil)

func (r *columnResolver) Retrieve(ctx context.Context, semanticColumn, tableName string, k int) ([]models.ColumnMatch, error) {
	if strings.TrimSpace(semanticColumn) == "" {
		return nil, fmt.Errorf("empty column hint")
	}
	embedding, err := r.embedder.CreateEmbedding(ctx, semanticColumn)
	if err != nil {
		return nil, fmt.Errorf("failed to embed column hint: %w", err)
	}
	return r.search(ctx, tableName, embedding, k)
}

func (r *columnResolver) ResolveFirst(ctx context.Context, semanticColumn string, tables []string, k int) (*models.ColumnMatch, error) {
	if strings.TrimSpace(semanticColumn) == "" {
		return nil, fmt.Errorf("empty column hint")
	}

	var embedding []float32
	for _, tableName := range tables {
		t, ok := r.registry.Table(tableName)
		if !ok {
			continue
		}
		if column, ok := t.MatchColumn(semanticColumn); ok {
			return &models.ColumnMatch{TableName: tableName, ColumnName: column, Similarity: 1}, nil
		}

		if embedding == nil {
			var err error
			embedding, err = r.embedder.CreateEmbedding(ctx, semanticColumn)
			if err != nil {
				return nil, fmt.Errorf("failed to embed column hint: %w", err)
			}
		}
		matches, err := r.search(ctx, tableName, embedding, k)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return &matches[0], nil
		}
	}
	return nil, nil
}

func (r *columnResolver) search(ctx context.Context, tableName string, embedding []float32, k int) ([]models.ColumnMatch, error) {
	matches, err := r.repo.Search(ctx, tableName, embedding, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search columns of %s: %w", tableName, err)
	}

	out := matches[:0:0]
	for _, m := range matches {
		if !r.registry.HasColumn(m.TableName, m.ColumnName) {
			r.logger.Warn("Column catalog entry not in schema registry",
				zap.String("table", m.TableName),
				zap.String("column", m.ColumnName))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ColumnScope orders the tables a filter's column may live in: the filter's
// explicit table, the table backing its entity type, the base table, then the
// remaining plan tables. Only plan tables are returned, each once.
func ColumnScope(registry *schema.Registry, plan models.QueryPlan, filter models.PlanFilter) []string {
	var ordered []string
	add := func(table string) {
		if table == "" || !plan.HasTable(table) {
			return
		}
		for _, t := range ordered {
			if t == table {
				return
			}
		}
		ordered = append(ordered, table)
	}

	add(filter.Table)
	if filter.IsEntity() {
		add(entityTableName(registry, filter.EntityType))
	}
	add(plan.BaseTable)
	for _, t := range plan.Tables {
		add(t)
	}
	return ordered
}

// entityTableName maps an entity type to its table, falling back to the
// plural of the type ("teacher" -> "teachers").
func entityTableName(registry *schema.Registry, entityType string) string {
	if t, ok := registry.TableForEntityType(entityType); ok {
		return t.Name
	}
	plural := inflection.Plural(strings.ToLower(strings.TrimSpace(entityType)))
	if registry.HasTable(plural) {
		return plural
	}
	return ""
}
