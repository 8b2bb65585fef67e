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

// DocumentRetriever finds reference chunks for a question.
type DocumentRetriever interface {
	// Retrieve returns up to k reranked chunks visible at minAccessLevel,
	// best first.
	Retrieve(ctx context.Context, query string, k, minAccessLevel int) ([]models.DocumentChunk, error)
}

type documentRetriever struct {
	store         repositories.DocumentStore
	embedder      llm.Embedder
	reranker      *DeterministicReranker
	candidateK    int
	minSimilarity float64
	logger        *zap.Logger
}

// NewDocumentRetriever creates a DocumentRetriever that fetches candidateK
// chunks by similarity before reranking. When the closest chunk scores below
// minSimilarity nothing is returned; otherwise chunks below it are dropped.
func NewDocumentRetriever(store repositories.DocumentStore, embedder llm.Embedder, reranker *DeterministicReranker, candidateK int, minSimilarity float64, logger *zap.Logger) DocumentRetriever {
	return &documentRetriever{
		store:         store,
		embedder:      embedder,
		reranker:      reranker,
		candidateK:    candidateK,
		minSimilarity: minSimilarity,
		logger:        logger.Named("document-retriever"),
	}
}

var _ DocumentRetriever = (*documentRetriever)(nil)

func (r *documentRetriever) Retrieve(ctx context.Context, query string, k, minAccessLevel int) ([]models.DocumentChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if k <= 0 {
		return []models.DocumentChunk{}, nil
	}

	embedding, err := r.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query for documents: %w", err)
	}

	candidates, err := r.store.Search(ctx, embedding, max(k, r.candidateK), minAccessLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	candidates = r.aboveFloor(candidates)

	ranked := r.reranker.Rerank(candidates)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	r.logger.Debug("Documents retrieved", zap.Int("candidates", len(candidates)), zap.Int("kept", len(ranked)))
	return ranked, nil
}

// aboveFloor applies the similarity floor to store results, which arrive
// ordered by descending similarity.
func (r *documentRetriever) aboveFloor(chunks []models.DocumentChunk) []models.DocumentChunk {
	if len(chunks) == 0 || chunks[0].Similarity < r.minSimilarity {
		return []models.DocumentChunk{}
	}
	kept := make([]models.DocumentChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Similarity >= r.minSimilarity {
			kept = append(kept, c)
		}
	}
	return kept
}
