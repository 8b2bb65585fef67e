package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

func TestDefault_Loads(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	assert.True(t, reg.HasTable("teachers"))
	assert.True(t, reg.HasColumn("subjects", "subject_name"))
	assert.False(t, reg.HasColumn("subjects", "teacher_name"))
	assert.False(t, reg.HasTable("students"))

	teachers, ok := reg.TableForEntityType("teacher")
	require.True(t, ok)
	assert.Equal(t, "teachers", teachers.Name)
	assert.Equal(t, "name", teachers.LabelColumn)

	_, ok = reg.TableForEntityType("student")
	assert.False(t, ok)

	assert.Len(t, reg.EntityTables(), 3)
	assert.NotEmpty(t, reg.Guidance())
}

func TestDefault_ColumnTexts(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	var emailTexts []string
	for _, ct := range reg.ColumnTexts() {
		if ct.Table == "teachers" && ct.Column == "email" {
			emailTexts = append(emailTexts, ct.Text)
		}
	}
	assert.Equal(t, []string{"email", "teacher email", "email of the teacher"}, emailTexts)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad table name",
			yaml:    "tables:\n  - name: \"drop table\"\n",
			wantErr: "invalid table name",
		},
		{
			name:    "duplicate table",
			yaml:    "tables:\n  - name: a\n  - name: a\n",
			wantErr: "declared twice",
		},
		{
			name: "entity table without label",
			yaml: `
tables:
  - name: teachers
    primary_key: id
    entity_type: teacher
    columns: [{name: id}]
`,
			wantErr: "label_column",
		},
		{
			name: "join to unknown column",
			yaml: `
tables:
  - name: a
    columns: [{name: id}]
  - name: b
    columns: [{name: a_id}]
joins:
  - left: a
    right: b
    path: [[a.id, b.missing]]
  - left: b
    right: a
    path: [[b.missing, a.id]]
`,
			wantErr: "unknown column b.missing",
		},
		{
			name: "unknown guidance type",
			yaml: `
guidance:
  - name: x
    type: chit_chat
    content: hello
`,
			wantErr: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSchemaPrompt(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	prompt := reg.SchemaPrompt()
	assert.Contains(t, prompt, "- teachers (entity_type: teacher)")
	assert.Contains(t, prompt, "    subject_code text")
	assert.Contains(t, prompt, "- classes <-> subjects")
	assert.Contains(t, prompt, "- subjects <-> teachers")
	assert.Equal(t, 3, strings.Count(prompt, "<->"), "each unordered pair is listed once")
}

func TestGuidance_IsCopied(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	items := reg.Guidance()
	items[0].Content = "changed"
	assert.NotEqual(t, "changed", reg.Guidance()[0].Content)
	assert.Equal(t, models.GuidanceSchema, reg.Guidance()[0].Type)
}

func TestTable_MatchColumn(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	teachers, ok := reg.Table("teachers")
	require.True(t, ok)
	classes, ok := reg.Table("classes")
	require.True(t, ok)

	tests := []struct {
		table *Table
		hint  string
		want  string
		found bool
	}{
		{teachers, "name", "name", true},
		{teachers, "Teacher Name", "name", true},
		{classes, "start time", "start_time", true},
		{classes, "Day-Of-Week", "day_of_week", true},
		{teachers, "salary", "", false},
		{teachers, "  ", "", false},
	}

	for _, tt := range tests {
		got, found := tt.table.MatchColumn(tt.hint)
		assert.Equal(t, tt.found, found, tt.hint)
		assert.Equal(t, tt.want, got, tt.hint)
	}
}
