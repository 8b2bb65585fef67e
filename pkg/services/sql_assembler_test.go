package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	sqlcheck "github.com/ekaya-inc/ekaya-nl2sql/pkg/sql"
)

func classesPlan(intent models.Intent, limit int, filters ...models.ResolvedFilter) *models.JoinedPlan {
	return &models.JoinedPlan{
		ResolvedPlan: models.ResolvedPlan{
			PlanningResult: models.PlanningResult{
				Query: "test",
				Plan: models.QueryPlan{
					Intent:    intent,
					BaseTable: "classes",
					Tables:    []string{"classes"},
					Aliases:   map[string]string{"classes": "c"},
					Limit:     jsonutil.FlexibleInt{Value: intPtr(limit)},
				},
			},
			Filters: filters,
		},
		Joins: []models.JoinPair{},
	}
}

func literal(column, op, raw string, values ...string) models.ResolvedFilter {
	return models.ResolvedFilter{
		PlanFilter: models.PlanFilter{ColumnHint: column, Op: op, RawValue: jsonutil.FlexibleString(raw), Values: values},
		Column:     &models.ResolvedColumn{Table: "classes", Alias: "c", Column: column},
		Decision:   models.DecisionLiteral,
	}
}

func newTestAssembler(t *testing.T) *SQLAssembler {
	return NewSQLAssembler(testRegistry(t), RowLimits{Default: 100, Max: 1000})
}

func TestSQLAssembler_SingleTable(t *testing.T) {
	asm := newTestAssembler(t)

	tests := []struct {
		name   string
		plan   *models.JoinedPlan
		sql    string
		params []any
	}{
		{
			name:   "list with literal",
			plan:   classesPlan(models.IntentList, 20, literal("room", "=", "B12")),
			sql:    "SELECT c.* FROM classes c WHERE c.room = $1 LIMIT $2",
			params: []any{"B12", 20},
		},
		{
			name:   "exists selects one row",
			plan:   classesPlan(models.IntentExists, 50, literal("day_of_week", "!=", "Sunday")),
			sql:    "SELECT 1 FROM classes c WHERE c.day_of_week <> $1 LIMIT $2",
			params: []any{"Sunday", 1},
		},
		{
			name:   "between binds two values",
			plan:   classesPlan(models.IntentList, 10, literal("start_time", "between", "", "09:00", "12:00")),
			sql:    "SELECT c.* FROM classes c WHERE c.start_time BETWEEN $1 AND $2 LIMIT $3",
			params: []any{"09:00", "12:00", 10},
		},
		{
			name:   "limit is clamped",
			plan:   classesPlan(models.IntentList, 5000),
			sql:    "SELECT c.* FROM classes c LIMIT $1",
			params: []any{1000},
		},
		{
			name: "text match escapes wildcards",
			plan: classesPlan(models.IntentList, 10, models.ResolvedFilter{
				PlanFilter: models.PlanFilter{EntityType: "class", Op: "=", RawValue: "50%_off"},
				Column:     &models.ResolvedColumn{Table: "classes", Alias: "c", Column: "class_name"},
				Decision:   models.DecisionTextMatch,
			}),
			sql:    "SELECT c.* FROM classes c WHERE c.class_name ILIKE $1 LIMIT $2",
			params: []any{`%50\%\_off%`, 10},
		},
		{
			name: "negated text match",
			plan: classesPlan(models.IntentList, 10, models.ResolvedFilter{
				PlanFilter: models.PlanFilter{EntityType: "class", Op: "<>", RawValue: "Lab"},
				Column:     &models.ResolvedColumn{Table: "classes", Alias: "c", Column: "class_name"},
				Decision:   models.DecisionTextMatch,
			}),
			sql:    "SELECT c.* FROM classes c WHERE c.class_name NOT ILIKE $1 LIMIT $2",
			params: []any{"%Lab%", 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := asm.Assemble(tt.plan)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, got.SQL)
			assert.Equal(t, tt.params, got.Params)
			assert.Equal(t, len(got.Params), len(sqlcheck.Placeholders(got.SQL)))
		})
	}
}

func TestSQLAssembler_Aggregates(t *testing.T) {
	asm := newTestAssembler(t)
	plan := classesPlan(models.IntentAggregate, 10, literal("type", "=", "lab"))
	plan.Aggregates = []models.ResolvedAggregate{
		{Func: "count", Alias: "count"},
		{Func: "min", Alias: "min_start_time", Column: &models.ResolvedColumn{Table: "classes", Alias: "c", Column: "start_time"}},
	}

	got, err := asm.Assemble(plan)
	require.NoError(t, err)
	assert.Equal(t, "SELECT count(*) AS count, min(c.start_time) AS min_start_time FROM classes c WHERE c.type = $1 LIMIT $2", got.SQL)

	plan.Aggregates = []models.ResolvedAggregate{{Func: "sum", Alias: "total"}}
	_, err = asm.Assemble(plan)
	assert.Error(t, err, "sum needs a column")
}

func TestSQLAssembler_JoinsAndEntities(t *testing.T) {
	asm := newTestAssembler(t)
	plan := &models.JoinedPlan{
		ResolvedPlan: models.ResolvedPlan{
			PlanningResult: models.PlanningResult{Plan: models.QueryPlan{
				Intent:    models.IntentList,
				BaseTable: "subjects",
				Tables:    []string{"subjects", "classes", "teachers"},
				Aliases:   map[string]string{"subjects": "s", "classes": "c", "teachers": "t"},
				Limit:     jsonutil.FlexibleInt{Value: intPtr(25)},
			}},
			Filters: []models.ResolvedFilter{{
				PlanFilter: models.PlanFilter{EntityType: "teacher", Op: "<>", RawValue: "Sujatha Joshi"},
				Column:     &models.ResolvedColumn{Table: "teachers", Alias: "t", Column: "name"},
				Decision:   models.DecisionChosen,
				Selected:   &models.EntityMatch{EntityID: "t-9", SourceTable: "teachers"},
			}},
		},
		// Deliberately out of order: the teacher side is listed before it can attach.
		Joins: []models.JoinPair{
			{Left: models.ColumnRef{Table: "class_teachers", Column: "teacher_id"}, Right: models.ColumnRef{Table: "teachers", Column: "id"}},
			{Left: models.ColumnRef{Table: "classes", Column: "id"}, Right: models.ColumnRef{Table: "class_teachers", Column: "class_id"}},
			{Left: models.ColumnRef{Table: "subjects", Column: "id"}, Right: models.ColumnRef{Table: "class_subjects", Column: "subject_id"}},
			{Left: models.ColumnRef{Table: "class_subjects", Column: "class_id"}, Right: models.ColumnRef{Table: "classes", Column: "id"}},
		},
	}

	got, err := asm.Assemble(plan)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT DISTINCT s.* FROM subjects s"+
			" JOIN class_subjects ON s.id = class_subjects.subject_id"+
			" JOIN classes c ON class_subjects.class_id = c.id"+
			" JOIN class_teachers ON c.id = class_teachers.class_id"+
			" JOIN teachers t ON class_teachers.teacher_id = t.id"+
			" WHERE t.id <> $1 LIMIT $2",
		got.SQL)
	assert.Equal(t, []any{"t-9", 25}, got.Params)
	assert.NotContains(t, got.SQL, "Sujatha")
}

func TestSQLAssembler_Rejections(t *testing.T) {
	asm := newTestAssembler(t)

	t.Run("pending filter", func(t *testing.T) {
		f := literal("room", "=", "B12")
		f.Decision = models.DecisionPending
		_, err := asm.Assemble(classesPlan(models.IntentList, 10, f))
		assert.ErrorIs(t, err, apperrors.ErrAmbiguityPending)
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := asm.Assemble(classesPlan(models.IntentList, 10, literal("password", "=", "x")))
		assert.Error(t, err)
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, err := asm.Assemble(classesPlan(models.IntentList, 10, literal("room", "; drop", "x")))
		assert.Error(t, err)
	})

	t.Run("table not joined", func(t *testing.T) {
		plan := classesPlan(models.IntentList, 10)
		plan.Plan.Tables = []string{"classes", "teachers"}
		plan.Plan.Aliases["teachers"] = "t"
		_, err := asm.Assemble(plan)
		assert.Error(t, err)
	})

	t.Run("disconnected join", func(t *testing.T) {
		plan := classesPlan(models.IntentList, 10)
		plan.Joins = []models.JoinPair{
			{Left: models.ColumnRef{Table: "teachers", Column: "id"}, Right: models.ColumnRef{Table: "class_teachers", Column: "teacher_id"}},
		}
		_, err := asm.Assemble(plan)
		assert.Error(t, err)
	})

	t.Run("entity outside the query", func(t *testing.T) {
		f := literal("class_name", "=", "Physics")
		f.Decision = models.DecisionAuto
		f.Selected = &models.EntityMatch{EntityID: "t-1", SourceTable: "teachers"}
		_, err := asm.Assemble(classesPlan(models.IntentList, 10, f))
		assert.Error(t, err)
	})
}
