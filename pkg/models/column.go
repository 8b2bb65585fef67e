package models

import "github.com/google/uuid"

// ColumnEmbedding is one descriptive text for a physical column.
// A column usually has several. Stored in column_catalog table.
type ColumnEmbedding struct {
	ID            uuid.UUID `json:"id"`
	TableName     string    `json:"table_name"`
	ColumnName    string    `json:"column_name"`
	EmbeddingText string    `json:"embedding_text"`
	Embedding     []float32 `json:"-"`
}

// ColumnMatch is a column catalog hit within one table.
type ColumnMatch struct {
	TableName  string  `json:"table_name"`
	ColumnName string  `json:"column_name"`
	Similarity float64 `json:"similarity"`
}

// ColumnRef names a physical column in a table.
type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// String renders table.column.
func (c ColumnRef) String() string {
	return c.Table + "." + c.Column
}

// JoinPair is one equality condition Left = Right of a join path.
type JoinPair struct {
	Left  ColumnRef `json:"left"`
	Right ColumnRef `json:"right"`
}

// Reversed swaps the sides of the pair.
func (p JoinPair) Reversed() JoinPair {
	return JoinPair{Left: p.Right, Right: p.Left}
}
