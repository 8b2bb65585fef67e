package services

import (
	"context"
	"sync"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

type fakePlanner struct {
	PlanFunc func(ctx context.Context, query string) (*models.PlanningResult, error)
}

func (f *fakePlanner) Plan(ctx context.Context, query string) (*models.PlanningResult, error) {
	return f.PlanFunc(ctx, query)
}

type fakeColumnResolver struct {
	ResolveFirstFunc func(ctx context.Context, hint string, tables []string, k int) (*models.ColumnMatch, error)
	Calls            []string
}

func (f *fakeColumnResolver) Retrieve(ctx context.Context, hint, table string, k int) ([]models.ColumnMatch, error) {
	m, err := f.ResolveFirst(ctx, hint, []string{table}, k)
	if err != nil || m == nil {
		return nil, err
	}
	return []models.ColumnMatch{*m}, nil
}

func (f *fakeColumnResolver) ResolveFirst(ctx context.Context, hint string, tables []string, k int) (*models.ColumnMatch, error) {
	f.Calls = append(f.Calls, hint)
	return f.ResolveFirstFunc(ctx, hint, tables, k)
}

type fakeEntityResolver struct {
	ResolveFunc func(ctx context.Context, queries []models.EntityQuery, opts CutoffOptions) ([]models.EntityResolution, error)
	CallCount   int
}

func (f *fakeEntityResolver) Resolve(ctx context.Context, queries []models.EntityQuery, opts CutoffOptions) ([]models.EntityResolution, error) {
	f.CallCount++
	return f.ResolveFunc(ctx, queries, opts)
}

type fakeGateway struct {
	mu               sync.Mutex
	ExecuteReadFunc  func(ctx context.Context, query string, params []any, rowLimit int) ([]models.Row, error)
	ExecuteWriteFunc func(ctx context.Context, query string, params []any) (int64, error)
	InsertFunc       func(ctx context.Context, query string, params []any) (string, error)
	Reads            []string
	Writes           []string
}

func (f *fakeGateway) ExecuteRead(ctx context.Context, query string, params []any, rowLimit int) ([]models.Row, error) {
	f.mu.Lock()
	f.Reads = append(f.Reads, query)
	f.mu.Unlock()
	if f.ExecuteReadFunc == nil {
		return []models.Row{}, nil
	}
	return f.ExecuteReadFunc(ctx, query, params, rowLimit)
}

func (f *fakeGateway) ExecuteWrite(ctx context.Context, query string, params []any) (int64, error) {
	f.mu.Lock()
	f.Writes = append(f.Writes, query)
	f.mu.Unlock()
	if f.ExecuteWriteFunc == nil {
		return 1, nil
	}
	return f.ExecuteWriteFunc(ctx, query, params)
}

func (f *fakeGateway) InsertReturningID(ctx context.Context, query string, params []any) (string, error) {
	f.mu.Lock()
	f.Writes = append(f.Writes, query)
	f.mu.Unlock()
	return f.InsertFunc(ctx, query, params)
}

type fakeEntityRepo struct {
	mu          sync.Mutex
	SearchFunc  func(ctx context.Context, entityType string, embedding []float32, limit int) ([]models.EntityMatch, error)
	Replaced    map[string][]*models.Entity
	Appended    []*models.Entity
	SearchCalls int
}

func (f *fakeEntityRepo) Search(ctx context.Context, entityType string, embedding []float32, limit int) ([]models.EntityMatch, error) {
	f.mu.Lock()
	f.SearchCalls++
	f.mu.Unlock()
	return f.SearchFunc(ctx, entityType, embedding, limit)
}

func (f *fakeEntityRepo) ReplaceSource(ctx context.Context, sourceTable string, entities []*models.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Replaced == nil {
		f.Replaced = make(map[string][]*models.Entity)
	}
	f.Replaced[sourceTable] = entities
	return nil
}

func (f *fakeEntityRepo) Append(ctx context.Context, entities []*models.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Appended = append(f.Appended, entities...)
	return nil
}

func (f *fakeEntityRepo) CountByType(ctx context.Context, entityType string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, list := range f.Replaced {
		for _, e := range list {
			if e.EntityType == entityType {
				n++
			}
		}
	}
	return n, nil
}

type fakeGuidanceRepo struct {
	SearchFunc func(ctx context.Context, ruleType models.GuidanceType, embedding []float32, limit int) ([]models.GuidanceItem, error)
	Stored     []*models.GuidanceItem
}

func (f *fakeGuidanceRepo) Search(ctx context.Context, ruleType models.GuidanceType, embedding []float32, limit int) ([]models.GuidanceItem, error) {
	return f.SearchFunc(ctx, ruleType, embedding, limit)
}

func (f *fakeGuidanceRepo) ReplaceAll(ctx context.Context, items []*models.GuidanceItem) error {
	f.Stored = items
	return nil
}

func (f *fakeGuidanceRepo) Count(ctx context.Context) (int, error) {
	return len(f.Stored), nil
}

type fakeColumnRepo struct {
	SearchFunc func(ctx context.Context, table string, embedding []float32, k int) ([]models.ColumnMatch, error)
	Stored     []*models.ColumnEmbedding
	Tables     []string
}

func (f *fakeColumnRepo) Search(ctx context.Context, table string, embedding []float32, k int) ([]models.ColumnMatch, error) {
	f.Tables = append(f.Tables, table)
	return f.SearchFunc(ctx, table, embedding, k)
}

func (f *fakeColumnRepo) ReplaceAll(ctx context.Context, columns []*models.ColumnEmbedding) error {
	f.Stored = columns
	return nil
}

type fakeSourceRepo struct {
	Rows map[string][]repositories.SourceRow
}

func (f *fakeSourceRepo) ListLabels(ctx context.Context, table *schema.Table) ([]repositories.SourceRow, error) {
	return f.Rows[table.Name], nil
}

type fakeDocumentStore struct {
	SearchFunc func(ctx context.Context, embedding []float32, k, minAccessLevel int) ([]models.DocumentChunk, error)
	Upserted   []*models.DocumentChunk
}

func (f *fakeDocumentStore) Search(ctx context.Context, embedding []float32, k, minAccessLevel int) ([]models.DocumentChunk, error) {
	return f.SearchFunc(ctx, embedding, k, minAccessLevel)
}

func (f *fakeDocumentStore) Upsert(ctx context.Context, chunks []*models.DocumentChunk) error {
	f.Upserted = append(f.Upserted, chunks...)
	return nil
}
