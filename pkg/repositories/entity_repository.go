package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/database"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// EntityRepository is the entity catalog: surface-form embeddings of canonical rows.
type EntityRepository interface {
	// Search returns up to limit matches for entityType ordered by descending
	// similarity, one per entity id: the id's closest surface form.
	Search(ctx context.Context, entityType string, embedding []float32, limit int) ([]models.EntityMatch, error)
	// ReplaceSource drops every entry ingested from sourceTable and inserts entities,
	// holding an exclusive lock on the catalog for the duration.
	ReplaceSource(ctx context.Context, sourceTable string, entities []*models.Entity) error
	// Append inserts entities without removing existing entries.
	Append(ctx context.Context, entities []*models.Entity) error
	// CountByType returns the number of surface forms stored for entityType.
	CountByType(ctx context.Context, entityType string) (int, error)
}

type entityRepository struct {
	db *database.DB
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(db *database.DB) EntityRepository {
	return &entityRepository{db: db}
}

var _ EntityRepository = (*entityRepository)(nil)

const entityTable = "entity_embeddings"

func (r *entityRepository) Search(ctx context.Context, entityType string, embedding []float32, limit int) ([]models.EntityMatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	// An entity id has several surface-form variants; the limit applies after
	// collapsing each id to its closest variant.
	query := `
		SELECT entity_id, surface_form, source_table, source_column, similarity
		FROM (
			SELECT DISTINCT ON (entity_id)
			       entity_id, surface_form, source_table, source_column,
			       embedding <=> $1 AS distance,
			       1 - (embedding <=> $1) AS similarity
			FROM entity_embeddings
			WHERE entity_type = $2
			ORDER BY entity_id, embedding <=> $1, surface_form
		) best
		ORDER BY distance, entity_id
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, pgvector.NewVector(embedding), entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search entity catalog: %w", err)
	}
	defer rows.Close()

	matches := make([]models.EntityMatch, 0, limit)
	for rows.Next() {
		var m models.EntityMatch
		if err := rows.Scan(&m.EntityID, &m.SurfaceForm, &m.SourceTable, &m.SourceColumn, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan entity match: %w", err)
		}
		m.Similarity = clampSimilarity(m.Similarity)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity matches: %w", err)
	}
	return matches, nil
}

func (r *entityRepository) ReplaceSource(ctx context.Context, sourceTable string, entities []*models.Entity) error {
	return r.db.WithExclusiveLock(ctx, entityTable, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM entity_embeddings WHERE source_table = $1`, sourceTable); err != nil {
			return fmt.Errorf("failed to clear entities for %s: %w", sourceTable, err)
		}
		return copyEntities(ctx, tx, entities)
	})
}

func (r *entityRepository) Append(ctx context.Context, entities []*models.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return r.db.WithExclusiveLock(ctx, entityTable, func(tx pgx.Tx) error {
		return copyEntities(ctx, tx, entities)
	})
}

func (r *entityRepository) CountByType(ctx context.Context, entityType string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM entity_embeddings WHERE entity_type = $1`, entityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

func copyEntities(ctx context.Context, tx pgx.Tx, entities []*models.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	now := time.Now()
	columns := []string{"id", "entity_type", "entity_id", "surface_form", "source_table", "source_column", "embedding", "created_at"}
	rows := make([][]any, len(entities))
	for i, e := range entities {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if len(e.Embedding) == 0 {
			return fmt.Errorf("entity %s (%q) has no embedding", e.EntityID, e.SurfaceForm)
		}
		rows[i] = []any{
			e.ID, e.EntityType, e.EntityID, e.SurfaceForm, e.SourceTable, e.SourceColumn,
			pgvector.NewVector(e.Embedding), e.CreatedAt,
		}
	}

	_, err := tx.CopyFrom(ctx, pgx.Identifier{entityTable}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert entities: %w", err)
	}
	return nil
}

// clampSimilarity maps cosine similarity into [0, 1].
func clampSimilarity(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
