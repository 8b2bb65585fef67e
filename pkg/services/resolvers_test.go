package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)
	return reg
}

func TestEntityResolver_Resolve(t *testing.T) {
	embedder := llm.NewMockLLMClient()
	embedder.CreateEmbeddingsFunc = func(ctx context.Context, inputs []string) ([][]float32, error) {
		out := make([][]float32, len(inputs))
		for i := range inputs {
			out[i] = []float32{float32(i)}
		}
		return out, nil
	}

	var limits []int
	repo := &fakeEntityRepo{SearchFunc: func(ctx context.Context, entityType string, embedding []float32, limit int) ([]models.EntityMatch, error) {
		limits = append(limits, limit)
		if entityType == "subject" {
			return nil, nil
		}
		return []models.EntityMatch{
			match("t-1", "Sujatha Joshi", 0.91),
			match("t-2", "Sujata Joshi", 0.74),
			match("t-3", "Joshi", 0.52),
			match("t-4", "J", 0.31),
		}, nil
	}}

	resolver := NewEntityResolver(repo, embedder, zap.NewNop())
	got, err := resolver.Resolve(context.Background(), []models.EntityQuery{
		{EntityType: "teacher", SurfaceForm: "Sujatha Joshi"},
		{EntityType: "subject", SurfaceForm: "Basket weaving"},
	}, CutoffOptions{SoftK: 1, HardK: 5, Threshold: 0.70})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "Sujatha Joshi", got[0].SurfaceForm)
	require.Len(t, got[0].Resolved, 2, "soft 1 plus every result above threshold")
	assert.Equal(t, "t-2", got[0].Resolved[1].EntityID)
	assert.Empty(t, got[1].Resolved)
	assert.NotNil(t, got[1].Resolved)

	assert.Equal(t, 1, embedder.CreateEmbeddingsCalls, "surface forms are embedded in one batch")
	assert.Equal(t, []int{5, 5}, limits)
}

func TestEntityResolver_VariantsDoNotCrowdOutSecondEntity(t *testing.T) {
	embedder := llm.NewMockLLMClient()
	repo := &fakeEntityRepo{SearchFunc: func(ctx context.Context, entityType string, embedding []float32, limit int) ([]models.EntityMatch, error) {
		return []models.EntityMatch{
			match("t-1", "Sujatha Joshi", 0.950),
			match("t-1", "sujatha joshi", 0.949),
			match("t-1", "Sujatha", 0.948),
			match("t-2", "Sujatha Joshi", 0.945),
		}, nil
	}}

	resolver := NewEntityResolver(repo, embedder, zap.NewNop())
	got, err := resolver.Resolve(context.Background(), []models.EntityQuery{
		{EntityType: "teacher", SurfaceForm: "Sujatha Joshi"},
	}, CutoffOptions{SoftK: 1, HardK: 2, Threshold: 0.70})
	require.NoError(t, err)

	require.Len(t, got, 1)
	require.Len(t, got[0].Resolved, 2)
	assert.Equal(t, "t-1", got[0].Resolved[0].EntityID)
	assert.Equal(t, "t-2", got[0].Resolved[1].EntityID)
	assert.Equal(t, models.ConfidenceLow, DefaultConfidencePolicy.Classify(got[0].Resolved), "near-identical twins are ambiguous")
}

func TestEntityResolver_RejectsBadQueries(t *testing.T) {
	resolver := NewEntityResolver(&fakeEntityRepo{}, llm.NewMockLLMClient(), zap.NewNop())

	_, err := resolver.Resolve(context.Background(), []models.EntityQuery{{EntityType: "", SurfaceForm: "x"}}, CutoffOptions{HardK: 1})
	assert.Error(t, err)

	_, err = resolver.Resolve(context.Background(), []models.EntityQuery{{EntityType: "teacher", SurfaceForm: "  "}}, CutoffOptions{HardK: 1})
	assert.Error(t, err)
}

func TestEntityResolver_EmbeddingFailure(t *testing.T) {
	embedder := llm.NewMockLLMClient()
	embedder.CreateEmbeddingsFunc = func(ctx context.Context, inputs []string) ([][]float32, error) {
		return nil, llm.NewError(llm.ErrorTypeEndpoint, "down", true, errors.New("refused"))
	}
	resolver := NewEntityResolver(&fakeEntityRepo{}, embedder, zap.NewNop())

	_, err := resolver.Resolve(context.Background(), []models.EntityQuery{{EntityType: "teacher", SurfaceForm: "x"}}, CutoffOptions{HardK: 1})
	var llmErr *llm.Error
	assert.ErrorAs(t, err, &llmErr)
}

func TestGuidanceRetriever_RetrieveForPlanning(t *testing.T) {
	embedder := llm.NewMockLLMClient()
	embedder.CreateEmbeddingFunc = func(ctx context.Context, input string) ([]float32, error) {
		return []float32{1, 0}, nil
	}

	var types []models.GuidanceType
	repo := &fakeGuidanceRepo{SearchFunc: func(ctx context.Context, ruleType models.GuidanceType, embedding []float32, limit int) ([]models.GuidanceItem, error) {
		types = append(types, ruleType)
		return []models.GuidanceItem{
			{Name: string(ruleType) + "-a", Type: ruleType, Similarity: 0.9},
			{Name: string(ruleType) + "-b", Type: ruleType, Similarity: 0.3},
		}, nil
	}}

	retriever := NewGuidanceRetriever(repo, embedder, CutoffOptions{SoftK: 1, HardK: 6, Threshold: 0.55}, zap.NewNop())
	items, err := retriever.RetrieveForPlanning(context.Background(), "what classes does sujatha take")
	require.NoError(t, err)

	assert.Equal(t, PlanningGuidanceTypes, types)
	assert.Len(t, items, len(PlanningGuidanceTypes))
	for _, item := range items {
		assert.Equal(t, 0.9, item.Similarity)
	}
	assert.Equal(t, 1, embedder.CreateEmbeddingCalls, "the query is embedded once")
}

func TestGuidanceRetriever_RetrieveSingleType(t *testing.T) {
	repo := &fakeGuidanceRepo{SearchFunc: func(ctx context.Context, ruleType models.GuidanceType, embedding []float32, limit int) ([]models.GuidanceItem, error) {
		assert.Equal(t, models.GuidanceEntity, ruleType)
		assert.Equal(t, 2, limit)
		return []models.GuidanceItem{{Name: "names", Type: ruleType, Similarity: 0.2}}, nil
	}}
	retriever := NewGuidanceRetriever(repo, llm.NewMockLLMClient(), CutoffOptions{}, zap.NewNop())

	items, err := retriever.Retrieve(context.Background(), "q", models.GuidanceEntity, CutoffOptions{SoftK: 1, HardK: 2, Threshold: 0.5})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = retriever.Retrieve(context.Background(), "q", models.GuidanceType("bogus"), CutoffOptions{HardK: 1})
	assert.Error(t, err)
}

func TestColumnResolver_ResolveFirst(t *testing.T) {
	reg := testRegistry(t)

	t.Run("exact alias skips the catalog", func(t *testing.T) {
		embedder := llm.NewMockLLMClient()
		repo := &fakeColumnRepo{}
		resolver := NewColumnResolver(repo, reg, embedder, zap.NewNop())

		m, err := resolver.ResolveFirst(context.Background(), "Start Time", []string{"classes", "teachers"}, 3)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, models.ColumnMatch{TableName: "classes", ColumnName: "start_time", Similarity: 1}, *m)
		assert.Equal(t, 0, embedder.CreateEmbeddingCalls)
		assert.Empty(t, repo.Tables)
	})

	t.Run("first table with a match wins", func(t *testing.T) {
		embedder := llm.NewMockLLMClient()
		embedder.CreateEmbeddingFunc = func(ctx context.Context, input string) ([]float32, error) {
			return []float32{0.1, 0.2}, nil
		}
		repo := &fakeColumnRepo{SearchFunc: func(ctx context.Context, table string, embedding []float32, k int) ([]models.ColumnMatch, error) {
			if table == "teachers" {
				return []models.ColumnMatch{{TableName: "teachers", ColumnName: "email", Similarity: 0.61}}, nil
			}
			return nil, nil
		}}
		resolver := NewColumnResolver(repo, reg, embedder, zap.NewNop())

		m, err := resolver.ResolveFirst(context.Background(), "contact address", []string{"classes", "teachers"}, 3)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "email", m.ColumnName)
		assert.Equal(t, []string{"classes", "teachers"}, repo.Tables)
		assert.Equal(t, 1, embedder.CreateEmbeddingCalls, "the hint is embedded once across tables")
	})

	t.Run("columns outside the registry are dropped", func(t *testing.T) {
		repo := &fakeColumnRepo{SearchFunc: func(ctx context.Context, table string, embedding []float32, k int) ([]models.ColumnMatch, error) {
			return []models.ColumnMatch{{TableName: "classes", ColumnName: "password_hash", Similarity: 0.99}}, nil
		}}
		resolver := NewColumnResolver(repo, reg, llm.NewMockLLMClient(), zap.NewNop())

		m, err := resolver.ResolveFirst(context.Background(), "secret", []string{"classes"}, 3)
		require.NoError(t, err)
		assert.Nil(t, m)
	})
}

func TestColumnScope(t *testing.T) {
	reg := testRegistry(t)
	plan := models.QueryPlan{
		BaseTable: "classes",
		Tables:    []string{"subjects", "classes", "teachers"},
	}

	tests := []struct {
		name   string
		filter models.PlanFilter
		want   []string
	}{
		{"base first for plain filters", models.PlanFilter{ColumnHint: "room"}, []string{"classes", "subjects", "teachers"}},
		{"entity table before base", models.PlanFilter{EntityType: "teacher"}, []string{"teachers", "classes", "subjects"}},
		{"explicit table first", models.PlanFilter{Table: "subjects", EntityType: "teacher"}, []string{"subjects", "teachers", "classes"}},
		{"other is not an entity", models.PlanFilter{EntityType: "other"}, []string{"classes", "subjects", "teachers"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ColumnScope(reg, plan, tt.filter))
		})
	}

	t.Run("entity table outside the plan is skipped", func(t *testing.T) {
		p := models.QueryPlan{BaseTable: "classes", Tables: []string{"classes"}, Limit: jsonutil.FlexibleInt{}}
		assert.Equal(t, []string{"classes"}, ColumnScope(reg, p, models.PlanFilter{EntityType: "teacher"}))
	})
}
