package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity is one surface-form embedding of a canonical row. Many Entity rows
// share an EntityID; the catalog is rebuilt rather than updated in place.
// Stored in entity_embeddings table.
type Entity struct {
	ID           uuid.UUID `json:"id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	SurfaceForm  string    `json:"surface_form"`
	SourceTable  string    `json:"source_table"`
	SourceColumn *string   `json:"source_column,omitempty"`
	Embedding    []float32 `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// EntityMatch is a catalog hit for a surface form, ordered by Similarity.
type EntityMatch struct {
	EntityID     string  `json:"entity_id"`
	SurfaceForm  string  `json:"surface_form"`
	SourceTable  string  `json:"source_table"`
	SourceColumn *string `json:"source_column,omitempty"`
	Similarity   float64 `json:"similarity"`
}

// EntityQuery asks the resolver to find catalog entries for a surface form.
type EntityQuery struct {
	EntityType  string `json:"entity_type"`
	SurfaceForm string `json:"surface_form"`
}

// EntityResolution is the resolver's answer for one EntityQuery.
type EntityResolution struct {
	SurfaceForm string        `json:"surface_form"`
	EntityType  string        `json:"entity_type"`
	Resolved    []EntityMatch `json:"resolved"`
}
