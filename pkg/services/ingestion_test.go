package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
)

// countingEmbedder returns one-element vectors holding each text's length.
func countingEmbedder(batches *int32) *llm.MockLLMClient {
	m := llm.NewMockLLMClient()
	m.CreateEmbeddingsFunc = func(ctx context.Context, inputs []string) ([][]float32, error) {
		atomic.AddInt32(batches, 1)
		out := make([][]float32, len(inputs))
		for i, in := range inputs {
			out[i] = []float32{float32(len(in))}
		}
		return out, nil
	}
	return m
}

func testPool() *llm.WorkerPool {
	return llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: 2}, zap.NewNop())
}

func TestEntityIngestionService_IngestTable(t *testing.T) {
	var batches int32
	repo := &fakeEntityRepo{}
	sources := &fakeSourceRepo{Rows: map[string][]repositories.SourceRow{
		"teachers": {
			{ID: "t-1", Label: "Dr. Sujatha Joshi"},
			{ID: "t-2", Label: "Ravi Kumar"},
		},
	}}

	svc := NewEntityIngestionService(testRegistry(t), sources, repo, countingEmbedder(&batches), testPool(), 4, zap.NewNop())
	n, err := svc.IngestTable(context.Background(), "teachers")
	require.NoError(t, err)

	stored := repo.Replaced["teachers"]
	assert.Equal(t, len(stored), n)
	assert.Equal(t, len(SurfaceVariants("Dr. Sujatha Joshi"))+len(SurfaceVariants("Ravi Kumar")), n)
	assert.Equal(t, int32((n+3)/4), atomic.LoadInt32(&batches), "texts are embedded in batches of four")

	for _, e := range stored {
		assert.Equal(t, "teacher", e.EntityType)
		assert.Equal(t, "teachers", e.SourceTable)
		require.NotNil(t, e.SourceColumn)
		assert.Equal(t, "name", *e.SourceColumn)
		assert.Equal(t, []float32{float32(len(e.SurfaceForm))}, e.Embedding, "vectors stay aligned with their text")
	}
	assert.Equal(t, "t-1", stored[0].EntityID)
	assert.Equal(t, "Dr. Sujatha Joshi", stored[0].SurfaceForm)
}

func TestEntityIngestionService_Rejections(t *testing.T) {
	var batches int32
	svc := NewEntityIngestionService(testRegistry(t), &fakeSourceRepo{}, &fakeEntityRepo{}, countingEmbedder(&batches), testPool(), 4, zap.NewNop())

	_, err := svc.IngestTable(context.Background(), "students")
	assert.Error(t, err)

	_, err = svc.IngestTable(context.Background(), "class_teachers")
	assert.Error(t, err, "bridge tables back no entity type")
}

func TestEntityIngestionService_IngestAll(t *testing.T) {
	var batches int32
	repo := &fakeEntityRepo{}
	sources := &fakeSourceRepo{Rows: map[string][]repositories.SourceRow{
		"subjects": {{ID: "s-1", Label: "Physics"}},
		"classes":  {{ID: "c-1", Label: "Physics Lab"}},
	}}

	svc := NewEntityIngestionService(testRegistry(t), sources, repo, countingEmbedder(&batches), testPool(), 64, zap.NewNop())
	report, err := svc.IngestAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "entities", report.Kind)
	subjects := len(SurfaceVariants("Physics"))
	classes := len(SurfaceVariants("Physics Lab"))
	assert.Equal(t, 2, subjects)
	assert.Equal(t, 6, classes, "base, lower and each token in both cases")
	assert.Equal(t, subjects, report.Counts["subjects"])
	assert.Equal(t, 0, report.Counts["teachers"])
	assert.Equal(t, classes, report.Counts["classes"])
	assert.Equal(t, subjects+classes, report.Total)
}

func TestEntityIngestionService_EmbeddingFailure(t *testing.T) {
	embedder := llm.NewMockLLMClient()
	embedder.CreateEmbeddingsFunc = func(ctx context.Context, inputs []string) ([][]float32, error) {
		return nil, errors.New("rate limited")
	}
	repo := &fakeEntityRepo{}
	sources := &fakeSourceRepo{Rows: map[string][]repositories.SourceRow{"teachers": {{ID: "t-1", Label: "Ravi"}}}}

	svc := NewEntityIngestionService(testRegistry(t), sources, repo, embedder, testPool(), 4, zap.NewNop())
	_, err := svc.IngestTable(context.Background(), "teachers")
	assert.ErrorContains(t, err, "rate limited")
	assert.Nil(t, repo.Replaced, "nothing is replaced when embedding fails")
}

func TestGuidanceIngestionService(t *testing.T) {
	var batches int32
	repo := &fakeGuidanceRepo{}
	reg := testRegistry(t)
	svc := NewGuidanceIngestionService(reg, repo, countingEmbedder(&batches), testPool(), 64, zap.NewNop())

	n, err := svc.ReloadDefaults(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(reg.Guidance()), n)
	require.Len(t, repo.Stored, n)
	for _, item := range repo.Stored {
		assert.NotEmpty(t, item.Embedding)
	}

	_, err = svc.Reload(context.Background(), []models.GuidanceItem{{Name: "bad", Type: "nonsense", Content: "x"}})
	assert.Error(t, err)

	_, err = svc.Reload(context.Background(), []models.GuidanceItem{{Name: "empty", Type: models.GuidanceSchema}})
	assert.Error(t, err)
}

func TestColumnIngestionService(t *testing.T) {
	var batches int32
	repo := &fakeColumnRepo{}
	reg := testRegistry(t)
	svc := NewColumnIngestionService(reg, repo, countingEmbedder(&batches), testPool(), 64, zap.NewNop())

	n, err := svc.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(reg.ColumnTexts()), n)

	var found bool
	for _, c := range repo.Stored {
		assert.True(t, reg.HasColumn(c.TableName, c.ColumnName), fmt.Sprintf("%s.%s", c.TableName, c.ColumnName))
		if c.TableName == "classes" && c.EmbeddingText == "class start time" {
			found = true
			assert.Equal(t, "start_time", c.ColumnName)
		}
	}
	assert.True(t, found)
}

func TestDocumentIngestionService(t *testing.T) {
	var batches int32
	store := &fakeDocumentStore{}
	svc := NewDocumentIngestionService(store, countingEmbedder(&batches), testPool(), 64, zap.NewNop())

	n, err := svc.Ingest(context.Background(), []DocumentInput{
		{Source: "handbook.pdf", Content: "  Labs run on Mondays.  ", AccessLevel: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, store.Upserted, 1)
	assert.Equal(t, "Labs run on Mondays.", store.Upserted[0].Content)
	assert.False(t, store.Upserted[0].CreatedAt.IsZero())
	assert.NotEmpty(t, store.Upserted[0].Embedding)

	_, err = svc.Ingest(context.Background(), []DocumentInput{{Source: "x", Content: " "}})
	assert.Error(t, err)
	_, err = svc.Ingest(context.Background(), []DocumentInput{{Source: "x", Content: "y", AccessLevel: -1}})
	assert.Error(t, err)
}
