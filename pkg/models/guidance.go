package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GuidanceType partitions guidance retrieval. A search for one type never
// returns items of another.
type GuidanceType string

const (
	GuidanceSchema      GuidanceType = "schema"
	GuidanceGenerate    GuidanceType = "generate"
	GuidanceEntity      GuidanceType = "entity"
	GuidanceRealisation GuidanceType = "realisation"
)

// ValidGuidanceTypes lists the partitions accepted at ingestion.
var ValidGuidanceTypes = []GuidanceType{GuidanceSchema, GuidanceGenerate, GuidanceEntity, GuidanceRealisation}

// IsValid reports whether t is a known partition.
func (t GuidanceType) IsValid() bool {
	for _, v := range ValidGuidanceTypes {
		if v == t {
			return true
		}
	}
	return false
}

// GuidanceItem is instructional text retrieved to condition the planner.
// Stored in guidance_rules table.
type GuidanceItem struct {
	ID            uuid.UUID    `json:"id" yaml:"-"`
	Name          string       `json:"name" yaml:"name"`
	Type          GuidanceType `json:"type" yaml:"type"`
	Priority      int          `json:"priority" yaml:"priority"`
	Content       string       `json:"content" yaml:"content"`
	EmbeddingText string       `json:"embedding_text" yaml:"embedding_text"`
	Embedding     []float32    `json:"-" yaml:"-"`

	// Similarity is set on retrieval only.
	Similarity float64 `json:"similarity,omitempty" yaml:"-"`
}

// TextToEmbed returns EmbeddingText, falling back to Content.
func (g GuidanceItem) TextToEmbed() string {
	if strings.TrimSpace(g.EmbeddingText) != "" {
		return g.EmbeddingText
	}
	return g.Content
}

// PromptBlock renders the item for inclusion in a prompt.
func (g GuidanceItem) PromptBlock() string {
	return fmt.Sprintf("[GUIDANCE | %s | priority=%d]\n%s", strings.ToUpper(string(g.Type)), g.Priority, strings.TrimSpace(g.Content))
}
