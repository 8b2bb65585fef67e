package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

// DefaultEmbedBatchSize is the number of texts sent per embedding call.
const DefaultEmbedBatchSize = 64

// IngestReport summarizes one ingestion run.
type IngestReport struct {
	Kind    string         `json:"kind"`
	Counts  map[string]int `json:"counts"`
	Total   int            `json:"total"`
	Elapsed string         `json:"elapsed"`
}

func newIngestReport(kind string) *IngestReport {
	return &IngestReport{Kind: kind, Counts: make(map[string]int)}
}

func (r *IngestReport) add(key string, n int) {
	r.Counts[key] += n
	r.Total += n
}

// batchEmbedder embeds texts in fixed-size batches through the worker pool,
// returning vectors in input order.
type batchEmbedder struct {
	embedder  llm.Embedder
	pool      *llm.WorkerPool
	batchSize int
	logger    *zap.Logger
}

func (b *batchEmbedder) embed(ctx context.Context, label string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	size := b.batchSize
	if size <= 0 {
		size = DefaultEmbedBatchSize
	}

	var items []llm.WorkItem[[][]float32]
	for start := 0; start < len(texts); start += size {
		batch := texts[start:min(start+size, len(texts))]
		items = append(items, llm.WorkItem[[][]float32]{
			ID: fmt.Sprintf("%s[%d:%d]", label, start, start+len(batch)),
			Execute: func(ctx context.Context) ([][]float32, error) {
				vecs, err := b.embedder.CreateEmbeddings(ctx, batch)
				if err != nil {
					return nil, err
				}
				if len(vecs) != len(batch) {
					return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vecs), len(batch))
				}
				return vecs, nil
			},
		})
	}

	results := llm.Process(ctx, b.pool, items, func(completed, total int) {
		b.logger.Debug("Embedding progress", zap.String("label", label), zap.Int("completed", completed), zap.Int("total", total))
	})
	if err := llm.FirstError(results); err != nil {
		return nil, fmt.Errorf("failed to embed %s: %w", label, err)
	}

	out := make([][]float32, 0, len(texts))
	for _, r := range results {
		out = append(out, r.Result...)
	}
	return out, nil
}

// EntityIngestionService rebuilds the entity catalog from the source tables.
type EntityIngestionService interface {
	// IngestTable replaces the catalog entries of one entity-backed table.
	IngestTable(ctx context.Context, tableName string) (int, error)
	// IngestAll rebuilds every entity-backed table.
	IngestAll(ctx context.Context) (*IngestReport, error)
	// IngestLabels embeds the variants of labels already stored in table
	// and appends them to the catalog.
	IngestLabels(ctx context.Context, table *schema.Table, rows []repositories.SourceRow) (int, error)
}

type entityIngestionService struct {
	registry *schema.Registry
	sources  repositories.SourceRepository
	repo     repositories.EntityRepository
	embed    *batchEmbedder
	logger   *zap.Logger
}

// NewEntityIngestionService creates an EntityIngestionService.
func NewEntityIngestionService(
	registry *schema.Registry,
	sources repositories.SourceRepository,
	repo repositories.EntityRepository,
	embedder llm.Embedder,
	pool *llm.WorkerPool,
	batchSize int,
	logger *zap.Logger,
) EntityIngestionService {
	logger = logger.Named("entity-ingestion")
	return &entityIngestionService{
		registry: registry,
		sources:  sources,
		repo:     repo,
		embed:    &batchEmbedder{embedder: embedder, pool: pool, batchSize: batchSize, logger: logger},
		logger:   logger,
	}
}

var _ EntityIngestionService = (*entityIngestionService)(nil)

func (s *entityIngestionService) IngestTable(ctx context.Context, tableName string) (int, error) {
	table, ok := s.registry.Table(tableName)
	if !ok {
		return 0, fmt.Errorf("unknown table %q", tableName)
	}
	if table.EntityType == "" || table.LabelColumn == "" {
		return 0, fmt.Errorf("table %s does not back an entity type", tableName)
	}

	rows, err := s.sources.ListLabels(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", tableName, err)
	}
	entities, err := s.buildEntities(ctx, table, rows)
	if err != nil {
		return 0, err
	}
	if err := s.repo.ReplaceSource(ctx, table.Name, entities); err != nil {
		return 0, fmt.Errorf("failed to store %s entities: %w", tableName, err)
	}

	s.logger.Info("Ingested entities",
		zap.String("table", table.Name),
		zap.String("entity_type", table.EntityType),
		zap.Int("rows", len(rows)),
		zap.Int("surface_forms", len(entities)))
	return len(entities), nil
}

func (s *entityIngestionService) IngestAll(ctx context.Context) (*IngestReport, error) {
	start := time.Now()
	report := newIngestReport("entities")
	for _, table := range s.registry.EntityTables() {
		n, err := s.IngestTable(ctx, table.Name)
		if err != nil {
			return nil, err
		}
		report.add(table.Name, n)
	}
	report.Elapsed = time.Since(start).String()
	return report, nil
}

func (s *entityIngestionService) IngestLabels(ctx context.Context, table *schema.Table, rows []repositories.SourceRow) (int, error) {
	entities, err := s.buildEntities(ctx, table, rows)
	if err != nil {
		return 0, err
	}
	if len(entities) == 0 {
		return 0, nil
	}
	if err := s.repo.Append(ctx, entities); err != nil {
		return 0, fmt.Errorf("failed to append %s entities: %w", table.Name, err)
	}
	return len(entities), nil
}

func (s *entityIngestionService) buildEntities(ctx context.Context, table *schema.Table, rows []repositories.SourceRow) ([]*models.Entity, error) {
	var (
		entities []*models.Entity
		texts    []string
	)
	column := table.LabelColumn
	for _, row := range rows {
		for _, v := range SurfaceVariants(row.Label) {
			entities = append(entities, &models.Entity{
				ID:           uuid.New(),
				EntityType:   table.EntityType,
				EntityID:     row.ID,
				SurfaceForm:  v,
				SourceTable:  table.Name,
				SourceColumn: &column,
			})
			texts = append(texts, v)
		}
	}

	vecs, err := s.embed.embed(ctx, table.Name, texts)
	if err != nil {
		return nil, err
	}
	for i, e := range entities {
		e.Embedding = vecs[i]
	}
	return entities, nil
}

// GuidanceIngestionService reloads the guidance rules.
type GuidanceIngestionService interface {
	Reload(ctx context.Context, items []models.GuidanceItem) (int, error)
	// ReloadDefaults reloads the rules shipped with the schema registry.
	ReloadDefaults(ctx context.Context) (int, error)
}

type guidanceIngestionService struct {
	registry *schema.Registry
	repo     repositories.GuidanceRepository
	embed    *batchEmbedder
	logger   *zap.Logger
}

// NewGuidanceIngestionService creates a GuidanceIngestionService.
func NewGuidanceIngestionService(registry *schema.Registry, repo repositories.GuidanceRepository, embedder llm.Embedder, pool *llm.WorkerPool, batchSize int, logger *zap.Logger) GuidanceIngestionService {
	logger = logger.Named("guidance-ingestion")
	return &guidanceIngestionService{
		registry: registry,
		repo:     repo,
		embed:    &batchEmbedder{embedder: embedder, pool: pool, batchSize: batchSize, logger: logger},
		logger:   logger,
	}
}

var _ GuidanceIngestionService = (*guidanceIngestionService)(nil)

func (s *guidanceIngestionService) Reload(ctx context.Context, items []models.GuidanceItem) (int, error) {
	rules := make([]*models.GuidanceItem, 0, len(items))
	texts := make([]string, 0, len(items))
	for i := range items {
		item := items[i]
		if !item.Type.IsValid() {
			return 0, fmt.Errorf("guidance %q has unknown type %q", item.Name, item.Type)
		}
		text := strings.TrimSpace(item.TextToEmbed())
		if text == "" {
			return 0, fmt.Errorf("guidance %q has no text to embed", item.Name)
		}
		item.ID = uuid.New()
		rules = append(rules, &item)
		texts = append(texts, text)
	}

	vecs, err := s.embed.embed(ctx, "guidance", texts)
	if err != nil {
		return 0, err
	}
	for i, r := range rules {
		r.Embedding = vecs[i]
	}
	if err := s.repo.ReplaceAll(ctx, rules); err != nil {
		return 0, fmt.Errorf("failed to store guidance: %w", err)
	}

	s.logger.Info("Reloaded guidance", zap.Int("rules", len(rules)))
	return len(rules), nil
}

func (s *guidanceIngestionService) ReloadDefaults(ctx context.Context) (int, error) {
	return s.Reload(ctx, s.registry.Guidance())
}

// ColumnIngestionService rebuilds the column catalog from the registry.
type ColumnIngestionService interface {
	Reload(ctx context.Context) (int, error)
}

type columnIngestionService struct {
	registry *schema.Registry
	repo     repositories.ColumnRepository
	embed    *batchEmbedder
	logger   *zap.Logger
}

// NewColumnIngestionService creates a ColumnIngestionService.
func NewColumnIngestionService(registry *schema.Registry, repo repositories.ColumnRepository, embedder llm.Embedder, pool *llm.WorkerPool, batchSize int, logger *zap.Logger) ColumnIngestionService {
	logger = logger.Named("column-ingestion")
	return &columnIngestionService{
		registry: registry,
		repo:     repo,
		embed:    &batchEmbedder{embedder: embedder, pool: pool, batchSize: batchSize, logger: logger},
		logger:   logger,
	}
}

var _ ColumnIngestionService = (*columnIngestionService)(nil)

func (s *columnIngestionService) Reload(ctx context.Context) (int, error) {
	texts := s.registry.ColumnTexts()
	columns := make([]*models.ColumnEmbedding, len(texts))
	inputs := make([]string, len(texts))
	for i, t := range texts {
		columns[i] = &models.ColumnEmbedding{
			ID:            uuid.New(),
			TableName:     t.Table,
			ColumnName:    t.Column,
			EmbeddingText: t.Text,
		}
		inputs[i] = t.Text
	}

	vecs, err := s.embed.embed(ctx, "columns", inputs)
	if err != nil {
		return 0, err
	}
	for i, c := range columns {
		c.Embedding = vecs[i]
	}
	if err := s.repo.ReplaceAll(ctx, columns); err != nil {
		return 0, fmt.Errorf("failed to store column catalog: %w", err)
	}

	s.logger.Info("Reloaded column catalog", zap.Int("texts", len(columns)))
	return len(columns), nil
}

// DocumentInput is one document to store as a retrievable chunk.
type DocumentInput struct {
	ID          *uuid.UUID `json:"id,omitempty"`
	Source      string     `json:"source"`
	Content     string     `json:"content"`
	AccessLevel int        `json:"access_level"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// DocumentIngestionService embeds documents into the document store. Each
// input is stored as one chunk.
type DocumentIngestionService interface {
	Ingest(ctx context.Context, docs []DocumentInput) (int, error)
}

type documentIngestionService struct {
	store  repositories.DocumentStore
	embed  *batchEmbedder
	logger *zap.Logger
}

// NewDocumentIngestionService creates a DocumentIngestionService.
func NewDocumentIngestionService(store repositories.DocumentStore, embedder llm.Embedder, pool *llm.WorkerPool, batchSize int, logger *zap.Logger) DocumentIngestionService {
	logger = logger.Named("document-ingestion")
	return &documentIngestionService{
		store:  store,
		embed:  &batchEmbedder{embedder: embedder, pool: pool, batchSize: batchSize, logger: logger},
		logger: logger,
	}
}

var _ DocumentIngestionService = (*documentIngestionService)(nil)

func (s *documentIngestionService) Ingest(ctx context.Context, docs []DocumentInput) (int, error) {
	now := time.Now().UTC()
	chunks := make([]*models.DocumentChunk, 0, len(docs))
	texts := make([]string, 0, len(docs))
	for i, d := range docs {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			return 0, fmt.Errorf("document %d has no content", i)
		}
		if d.AccessLevel < 0 {
			return 0, fmt.Errorf("document %d has negative access level", i)
		}
		chunk := &models.DocumentChunk{
			ID:          uuid.New(),
			Source:      strings.TrimSpace(d.Source),
			Content:     content,
			AccessLevel: d.AccessLevel,
			CreatedAt:   now,
		}
		if d.ID != nil {
			chunk.ID = *d.ID
		}
		if d.CreatedAt != nil {
			chunk.CreatedAt = d.CreatedAt.UTC()
		}
		chunks = append(chunks, chunk)
		texts = append(texts, content)
	}

	vecs, err := s.embed.embed(ctx, "documents", texts)
	if err != nil {
		return 0, err
	}
	for i, c := range chunks {
		c.Embedding = vecs[i]
	}
	if err := s.store.Upsert(ctx, chunks); err != nil {
		return 0, fmt.Errorf("failed to store documents: %w", err)
	}

	s.logger.Info("Ingested documents", zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}
