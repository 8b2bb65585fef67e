package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/database"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// ColumnRepository is the catalog of (table, column, description embedding) triples.
type ColumnRepository interface {
	// Search returns the best k columns of table. A column described by several
	// texts is reported once, at its best similarity.
	Search(ctx context.Context, table string, embedding []float32, k int) ([]models.ColumnMatch, error)
	// ReplaceAll reloads the catalog under an exclusive lock.
	ReplaceAll(ctx context.Context, columns []*models.ColumnEmbedding) error
}

type columnRepository struct {
	db *database.DB
}

// NewColumnRepository creates a new ColumnRepository.
func NewColumnRepository(db *database.DB) ColumnRepository {
	return &columnRepository{db: db}
}

var _ ColumnRepository = (*columnRepository)(nil)

func (r *columnRepository) Search(ctx context.Context, table string, embedding []float32, k int) ([]models.ColumnMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `
		SELECT table_name, column_name, max(1 - (embedding <=> $1)) AS similarity
		FROM column_catalog
		WHERE table_name = $2
		GROUP BY table_name, column_name
		ORDER BY similarity DESC, column_name
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, pgvector.NewVector(embedding), table, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search column catalog: %w", err)
	}
	defer rows.Close()

	matches := make([]models.ColumnMatch, 0, k)
	for rows.Next() {
		var m models.ColumnMatch
		if err := rows.Scan(&m.TableName, &m.ColumnName, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan column match: %w", err)
		}
		m.Similarity = clampSimilarity(m.Similarity)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column matches: %w", err)
	}
	return matches, nil
}

func (r *columnRepository) ReplaceAll(ctx context.Context, columns []*models.ColumnEmbedding) error {
	return r.db.WithExclusiveLock(ctx, "column_catalog", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM column_catalog`); err != nil {
			return fmt.Errorf("failed to clear column catalog: %w", err)
		}
		if len(columns) == 0 {
			return nil
		}

		rows := make([][]any, len(columns))
		for i, c := range columns {
			if c.ID == uuid.Nil {
				c.ID = uuid.New()
			}
			if len(c.Embedding) == 0 {
				return fmt.Errorf("column %s.%s text %q has no embedding", c.TableName, c.ColumnName, c.EmbeddingText)
			}
			rows[i] = []any{c.ID, c.TableName, c.ColumnName, c.EmbeddingText, pgvector.NewVector(c.Embedding)}
		}

		_, err := tx.CopyFrom(ctx, pgx.Identifier{"column_catalog"},
			[]string{"id", "table_name", "column_name", "embedding_text", "embedding"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to insert column catalog: %w", err)
		}
		return nil
	})
}
