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

// GuidanceRepository stores guidance rules partitioned by type.
type GuidanceRepository interface {
	// Search returns up to limit items of ruleType ordered by descending similarity.
	Search(ctx context.Context, ruleType models.GuidanceType, embedding []float32, limit int) ([]models.GuidanceItem, error)
	// ReplaceAll truncates and reloads the rules under an exclusive lock.
	ReplaceAll(ctx context.Context, items []*models.GuidanceItem) error
	// Count returns the number of stored rules.
	Count(ctx context.Context) (int, error)
}

type guidanceRepository struct {
	db *database.DB
}

// NewGuidanceRepository creates a new GuidanceRepository.
func NewGuidanceRepository(db *database.DB) GuidanceRepository {
	return &guidanceRepository{db: db}
}

var _ GuidanceRepository = (*guidanceRepository)(nil)

func (r *guidanceRepository) Search(ctx context.Context, ruleType models.GuidanceType, embedding []float32, limit int) ([]models.GuidanceItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, name, rule_type, priority, content, embedding_text,
		       1 - (embedding <=> $1) AS similarity
		FROM guidance_rules
		WHERE rule_type = $2
		ORDER BY embedding <=> $1, priority DESC, name
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, pgvector.NewVector(embedding), string(ruleType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search guidance: %w", err)
	}
	defer rows.Close()

	items := make([]models.GuidanceItem, 0, limit)
	for rows.Next() {
		var (
			g        models.GuidanceItem
			ruleType string
		)
		if err := rows.Scan(&g.ID, &g.Name, &ruleType, &g.Priority, &g.Content, &g.EmbeddingText, &g.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan guidance: %w", err)
		}
		g.Type = models.GuidanceType(ruleType)
		g.Similarity = clampSimilarity(g.Similarity)
		items = append(items, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guidance: %w", err)
	}
	return items, nil
}

func (r *guidanceRepository) ReplaceAll(ctx context.Context, items []*models.GuidanceItem) error {
	return r.db.WithExclusiveLock(ctx, "guidance_rules", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM guidance_rules`); err != nil {
			return fmt.Errorf("failed to clear guidance: %w", err)
		}

		batch := &pgx.Batch{}
		query := `
			INSERT INTO guidance_rules (id, name, rule_type, priority, content, embedding_text, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		for _, g := range items {
			if g.ID == uuid.Nil {
				g.ID = uuid.New()
			}
			if len(g.Embedding) == 0 {
				return fmt.Errorf("guidance %q has no embedding", g.Name)
			}
			batch.Queue(query, g.ID, g.Name, string(g.Type), g.Priority, g.Content, g.TextToEmbed(), pgvector.NewVector(g.Embedding))
		}

		br := tx.SendBatch(ctx, batch)
		for range items {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("batch insert guidance: %w", err)
			}
		}
		return br.Close()
	})
}

func (r *guidanceRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM guidance_rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count guidance: %w", err)
	}
	return n, nil
}
