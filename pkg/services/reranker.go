package services

import (
	"sort"
	"time"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// RerankWeights weighs the three reranking signals.
type RerankWeights struct {
	Similarity float64
	Freshness  float64
	Authority  float64
}

// DefaultRerankWeights is 0.7 similarity, 0.2 freshness, 0.1 authority.
var DefaultRerankWeights = RerankWeights{Similarity: 0.7, Freshness: 0.2, Authority: 0.1}

// DeterministicReranker orders chunks by a fixed blend of similarity, age and
// access level.
type DeterministicReranker struct {
	weights RerankWeights
	now     func() time.Time
}

// NewDeterministicReranker creates a reranker. Zero weights use the defaults.
func NewDeterministicReranker(weights RerankWeights) *DeterministicReranker {
	if weights == (RerankWeights{}) {
		weights = DefaultRerankWeights
	}
	return &DeterministicReranker{weights: weights, now: time.Now}
}

// Score computes the blended score of one chunk.
func (r *DeterministicReranker) Score(c models.DocumentChunk) float64 {
	return c.Similarity*r.weights.Similarity +
		freshness(r.now().Sub(c.CreatedAt))*r.weights.Freshness +
		authority(c.AccessLevel)*r.weights.Authority
}

// Rerank sets Score on every chunk and returns them best first. Equal scores
// keep their input order.
func (r *DeterministicReranker) Rerank(chunks []models.DocumentChunk) []models.DocumentChunk {
	out := make([]models.DocumentChunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		out[i].Score = r.Score(out[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func freshness(age time.Duration) float64 {
	days := int(age.Hours() / 24)
	switch {
	case days <= 30:
		return 1.0
	case days <= 180:
		return 0.7
	default:
		return 0.4
	}
}

func authority(accessLevel int) float64 {
	switch accessLevel {
	case 0:
		return 1.0
	case 1:
		return 0.9
	case 2:
		return 0.7
	default:
		return 0.5
	}
}
