package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
)

// EntityResolver maps surface forms to ranked catalog candidates.
type EntityResolver interface {
	// Resolve embeds every query, searches the catalog scoped to each query's
	// entity type and applies the soft/hard cutoff to distinct entity ids.
	// Results are in query order.
	// An embedding failure fails the whole batch.
	Resolve(ctx context.Context, queries []models.EntityQuery, opts CutoffOptions) ([]models.EntityResolution, error)
}

type entityResolver struct {
	repo     repositories.EntityRepository
	embedder llm.Embedder
	logger   *zap.Logger
}

// NewEntityResolver creates an EntityResolver over the entity catalog.
func NewEntityResolver(repo repositories.EntityRepository, embedder llm.Embedder, logger *zap.Logger) EntityResolver {
	return &entityResolver{
		repo:     repo,
		embedder: embedder,
		logger:   logger.Named("entity-resolver"),
	}
}

var _ EntityResolver = (*entityResolver)(nil)

func (r *entityResolver) Resolve(ctx context.Context, queries []models.EntityQuery, opts CutoffOptions) ([]models.EntityResolution, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	texts := make([]string, len(queries))
	for i, q := range queries {
		if strings.TrimSpace(q.EntityType) == "" {
			return nil, fmt.Errorf("entity query %d has no entity type", i)
		}
		if strings.TrimSpace(q.SurfaceForm) == "" {
			return nil, fmt.Errorf("entity query %d has an empty surface form", i)
		}
		texts[i] = q.SurfaceForm
	}

	embeddings, err := r.embedder.CreateEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed surface forms: %w", err)
	}
	if len(embeddings) != len(queries) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d surface forms", len(embeddings), len(queries))
	}

	opts = opts.normalized()
	out := make([]models.EntityResolution, len(queries))
	for i, q := range queries {
		matches, err := r.repo.Search(ctx, q.EntityType, embeddings[i], opts.HardK)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s catalog: %w", q.EntityType, err)
		}
		matches = DedupByEntity(matches)
		kept := ApplySoftHard(matches, func(m models.EntityMatch) float64 { return m.Similarity }, opts)

		r.logger.Debug("Resolved surface form",
			zap.String("entity_type", q.EntityType),
			zap.Int("fetched", len(matches)),
			zap.Int("kept", len(kept)))

		out[i] = models.EntityResolution{
			SurfaceForm: q.SurfaceForm,
			EntityType:  q.EntityType,
			Resolved:    append([]models.EntityMatch{}, kept...),
		}
	}
	return out, nil
}
