package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/database"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

// SourceRow is the primary key and label of one domain row.
type SourceRow struct {
	ID    string
	Label string
}

// SourceRepository reads the domain tables that back entity types.
type SourceRepository interface {
	// ListLabels returns every row of table with a non-empty label column.
	ListLabels(ctx context.Context, table *schema.Table) ([]SourceRow, error)
}

type sourceRepository struct {
	db *database.DB
}

// NewSourceRepository creates a new SourceRepository.
func NewSourceRepository(db *database.DB) SourceRepository {
	return &sourceRepository{db: db}
}

var _ SourceRepository = (*sourceRepository)(nil)

func (r *sourceRepository) ListLabels(ctx context.Context, table *schema.Table) ([]SourceRow, error) {
	if table.PrimaryKey == "" || table.LabelColumn == "" {
		return nil, fmt.Errorf("table %s has no primary key or label column", table.Name)
	}

	pk := pgx.Identifier{table.PrimaryKey}.Sanitize()
	label := pgx.Identifier{table.LabelColumn}.Sanitize()
	query := fmt.Sprintf(`
		SELECT %s::text, %s
		FROM %s
		WHERE %s IS NOT NULL AND btrim(%s) <> ''
		ORDER BY %s`,
		pk, label, pgx.Identifier{table.Name}.Sanitize(), label, label, pk)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table.Name, err)
	}
	defer rows.Close()

	out := make([]SourceRow, 0)
	for rows.Next() {
		var row SourceRow
		if err := rows.Scan(&row.ID, &row.Label); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table.Name, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table.Name, err)
	}
	return out, nil
}
