package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentChunk is a retrievable piece of an unstructured document.
// Stored in document_chunks table or a Qdrant collection.
type DocumentChunk struct {
	ID          uuid.UUID `json:"id"`
	Source      string    `json:"source"`
	Content     string    `json:"content"`
	AccessLevel int       `json:"access_level"`
	CreatedAt   time.Time `json:"created_at"`
	Embedding   []float32 `json:"-"`

	// Similarity and Score are set on retrieval only.
	Similarity float64 `json:"similarity,omitempty"`
	Score      float64 `json:"score,omitempty"`
}
