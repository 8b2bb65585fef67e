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

// DocumentStore holds document chunks for unstructured retrieval.
type DocumentStore interface {
	// Search returns up to limit chunks ordered by descending similarity,
	// skipping chunks whose access_level is below minAccessLevel.
	Search(ctx context.Context, embedding []float32, limit, minAccessLevel int) ([]models.DocumentChunk, error)
	// Upsert stores chunks, replacing any with the same id.
	Upsert(ctx context.Context, chunks []*models.DocumentChunk) error
}

type pgDocumentStore struct {
	db *database.DB
}

// NewPgDocumentStore creates a DocumentStore backed by the document_chunks table.
func NewPgDocumentStore(db *database.DB) DocumentStore {
	return &pgDocumentStore{db: db}
}

var _ DocumentStore = (*pgDocumentStore)(nil)

func (s *pgDocumentStore) Search(ctx context.Context, embedding []float32, limit, minAccessLevel int) ([]models.DocumentChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, source, content, access_level, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM document_chunks
		WHERE access_level >= $3
		ORDER BY embedding <=> $1, id
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, pgvector.NewVector(embedding), limit, minAccessLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	defer rows.Close()

	chunks := make([]models.DocumentChunk, 0, limit)
	for rows.Next() {
		var c models.DocumentChunk
		if err := rows.Scan(&c.ID, &c.Source, &c.Content, &c.AccessLevel, &c.CreatedAt, &c.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan document chunk: %w", err)
		}
		c.Similarity = clampSimilarity(c.Similarity)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document chunks: %w", err)
	}
	return chunks, nil
}

func (s *pgDocumentStore) Upsert(ctx context.Context, chunks []*models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	now := time.Now()
	batch := &pgx.Batch{}
	query := `
		INSERT INTO document_chunks (id, source, content, access_level, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			content = EXCLUDED.content,
			access_level = EXCLUDED.access_level,
			embedding = EXCLUDED.embedding`

	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if len(c.Embedding) == 0 {
			return fmt.Errorf("document chunk from %s has no embedding", c.Source)
		}
		batch.Queue(query, c.ID, c.Source, c.Content, c.AccessLevel, c.CreatedAt, pgvector.NewVector(c.Embedding))
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch upsert document chunk: %w", err)
		}
	}
	return nil
}
