package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

type stubGuidance struct {
	items []models.GuidanceItem
	err   error
}

func (s *stubGuidance) Retrieve(ctx context.Context, query string, ruleType models.GuidanceType, opts CutoffOptions) ([]models.GuidanceItem, error) {
	return s.items, s.err
}

func (s *stubGuidance) RetrieveForPlanning(ctx context.Context, query string) ([]models.GuidanceItem, error) {
	return s.items, s.err
}

func newTestPlanner(t *testing.T, completer llm.Completer, guidance GuidanceRetriever) Planner {
	return NewPlanner(testRegistry(t), guidance, completer, testLimits, 0, zap.NewNop())
}

func TestPlanner_Plan(t *testing.T) {
	completer := llm.StaticCompleter("```json\n" + `{
		"skip": false,
		"intent": "list",
		"base_table": "classes",
		"tables": ["classes", "teachers"],
		"aliases": {"classes": "c", "teachers": "t"},
		"filters": [{"entity_type": "teacher", "raw_value": "Sujatha Joshi"}],
		"limit": null
	}` + "\n```")
	guidance := &stubGuidance{items: []models.GuidanceItem{
		{Name: "teacher names", Type: models.GuidanceEntity, Content: "Teacher names are full names."},
	}}

	got, err := newTestPlanner(t, completer, guidance).Plan(context.Background(), "  What classes does Sujatha Joshi take?  ")
	require.NoError(t, err)

	assert.Equal(t, "What classes does Sujatha Joshi take?", got.Query)
	assert.Equal(t, "classes", got.Plan.BaseTable)
	assert.Equal(t, 100, *got.Plan.Limit.Value)
	require.Len(t, got.Plan.Filters, 1)

	require.Len(t, completer.Prompts, 1)
	assert.Contains(t, completer.Prompts[0], "Teacher names are full names.")
	assert.Contains(t, completer.Prompts[0], "What classes does Sujatha Joshi take?")
}

func TestPlanner_Failures(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		guidErr  error
		query    string
		reason   models.FailureReason
		plainErr bool
	}{
		{name: "empty query", query: "   ", reason: models.ReasonInvalidPlan},
		{name: "skip", content: `{"skip": true}`, query: "tell me a joke", reason: models.ReasonPlannerSkip},
		{name: "unparseable", content: "I think you want the classes table.", query: "classes?", reason: models.ReasonPlannerParse},
		{name: "invalid plan", content: `{"base_table": "students"}`, query: "students?", reason: models.ReasonInvalidPlan},
		{name: "guidance down", guidErr: errors.New("connection refused"), query: "classes?", plainErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner := newTestPlanner(t, llm.StaticCompleter(tt.content), &stubGuidance{err: tt.guidErr})

			_, err := planner.Plan(context.Background(), tt.query)
			require.Error(t, err)

			var planErr *PlanningError
			if tt.plainErr {
				assert.False(t, errors.As(err, &planErr))
				return
			}
			require.ErrorAs(t, err, &planErr)
			assert.Equal(t, tt.reason, planErr.Reason)
			assert.NotContains(t, planErr.Message, "I think you want", "raw model text stays out of the message")
		})
	}
}

func TestPlanningError_KeepsExcerptBounded(t *testing.T) {
	long := strings.Repeat("x", 5000)
	planner := newTestPlanner(t, llm.StaticCompleter(long), &stubGuidance{})

	_, err := planner.Plan(context.Background(), "classes?")
	var planErr *PlanningError
	require.ErrorAs(t, err, &planErr)
	assert.LessOrEqual(t, len(planErr.Raw), rawExcerptLen+3)
}
