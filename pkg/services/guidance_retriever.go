package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
)

// PlanningGuidanceTypes are the partitions fetched to condition the planner, in prompt order.
var PlanningGuidanceTypes = []models.GuidanceType{
	models.GuidanceSchema,
	models.GuidanceEntity,
	models.GuidanceRealisation,
	models.GuidanceGenerate,
}

// GuidanceRetriever fetches guidance rules relevant to a query.
type GuidanceRetriever interface {
	// Retrieve returns items of one type only, cut with opts.
	Retrieve(ctx context.Context, query string, ruleType models.GuidanceType, opts CutoffOptions) ([]models.GuidanceItem, error)
	// RetrieveForPlanning embeds the query once and collects every
	// planning partition with the configured cutoffs.
	RetrieveForPlanning(ctx context.Context, query string) ([]models.GuidanceItem, error)
}

type guidanceRetriever struct {
	repo     repositories.GuidanceRepository
	embedder llm.Embedder
	opts     CutoffOptions
	logger   *zap.Logger
}

// NewGuidanceRetriever creates a GuidanceRetriever. opts applies to RetrieveForPlanning.
func NewGuidanceRetriever(repo repositories.GuidanceRepository, embedder llm.Embedder, opts CutoffOptions, logger *zap.Logger) GuidanceRetriever {
	return &guidanceRetriever{
		repo:     repo,
		embedder: embedder,
		opts:     opts,
		logger:   logger.Named("guidance-retriever"),
	}
}

var _ GuidanceRetriever = (*guidanceRetriever)(nil)

func (r *guidanceRetriever) Retrieve(ctx context.Context, query string, ruleType models.GuidanceType, opts CutoffOptions) ([]models.GuidanceItem, error) {
	if !ruleType.IsValid() {
		return nil, fmt.Errorf("unknown guidance type %q", ruleType)
	}
	embedding, err := r.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query for guidance: %w", err)
	}
	return r.search(ctx, ruleType, embedding, opts)
}

func (r *guidanceRetriever) RetrieveForPlanning(ctx context.Context, query string) ([]models.GuidanceItem, error) {
	embedding, err := r.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query for guidance: %w", err)
	}

	var out []models.GuidanceItem
	for _, ruleType := range PlanningGuidanceTypes {
		items, err := r.search(ctx, ruleType, embedding, r.opts)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func (r *guidanceRetriever) search(ctx context.Context, ruleType models.GuidanceType, embedding []float32, opts CutoffOptions) ([]models.GuidanceItem, error) {
	opts = opts.normalized()
	items, err := r.repo.Search(ctx, ruleType, embedding, opts.HardK)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s guidance: %w", ruleType, err)
	}
	kept := ApplySoftHard(items, func(g models.GuidanceItem) float64 { return g.Similarity }, opts)

	r.logger.Debug("Retrieved guidance",
		zap.String("type", string(ruleType)),
		zap.Int("fetched", len(items)),
		zap.Int("kept", len(kept)))
	return kept, nil
}
