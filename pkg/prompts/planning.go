// Package prompts builds the text sent to the completion collaborator.
package prompts

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// BuildPlanningPrompt asks for a structural query plan. schemaText is the
// registry's rendering of tables and joinable pairs; guidance items are
// included in the order given.
func BuildPlanningPrompt(schemaText string, guidance []models.GuidanceItem, query string) string {
	var prompt strings.Builder

	prompt.WriteString("# Query Planning\n\n")
	prompt.WriteString("Propose a plan for answering the question below from the database described here.\n\n")

	prompt.WriteString("## Schema\n\n")
	prompt.WriteString(strings.TrimSpace(schemaText))
	prompt.WriteString("\n\n")

	if len(guidance) > 0 {
		prompt.WriteString("## Guidance\n\n")
		for _, g := range guidance {
			prompt.WriteString(g.PromptBlock())
			prompt.WriteString("\n\n")
		}
	}

	prompt.WriteString("## Rules\n\n")
	prompt.WriteString("- Use only tables listed under Schema. Never write SQL, joins or ids.\n")
	prompt.WriteString("- `tables` lists every table the answer needs. `base_table` is the table whose rows are returned.\n")
	prompt.WriteString("- Give every table a short alias in `aliases`.\n")
	prompt.WriteString("- A filter naming a person, subject or class sets `entity_type` and copies the name into `raw_value` exactly as written.\n")
	prompt.WriteString("- Other filters (days, times, codes) use `entity_type: \"other\"` with a `column_hint` and `op`.\n")
	prompt.WriteString("- If the schema cannot answer the question, return {\"skip\": true}.\n\n")

	prompt.WriteString("## Output Format\n\n")
	prompt.WriteString("Respond in JSON with:\n")
	prompt.WriteString("- `skip`: true when unanswerable\n")
	prompt.WriteString("- `intent`: one of \"list\", \"exists\", \"aggregate\"\n")
	prompt.WriteString("- `base_table`, `tables`, `aliases`\n")
	prompt.WriteString("- `filters`: array of {`entity_type`, `table`, `column_hint`, `op`, `raw_value`, `values`}\n")
	prompt.WriteString("  - `op` is one of =, !=, <, <=, >, >=, like, ilike, between (between uses `values` with two items)\n")
	prompt.WriteString("- `join_intent`: optional table order\n")
	prompt.WriteString("- `aggregates`: array of {`func`, `table`, `column_hint`, `alias`} for count, sum, avg, min, max\n")
	prompt.WriteString("- `limit`: optional row limit\n\n")

	prompt.WriteString("Example:\n")
	prompt.WriteString("```json\n")
	prompt.WriteString(`{
  "skip": false,
  "intent": "list",
  "base_table": "subjects",
  "tables": ["teachers", "subjects"],
  "aliases": {"teachers": "t", "subjects": "s"},
  "filters": [{"entity_type": "teacher", "raw_value": "Sujatha Joshi", "op": "="}]
}
`)
	prompt.WriteString("```\n\n")

	prompt.WriteString(fmt.Sprintf("## Question\n\n%s\n\n", strings.TrimSpace(query)))
	prompt.WriteString("Return ONLY the JSON, no additional text.\n")

	return prompt.String()
}

// BuildPlanningSystemMessage returns the system message for planning.
func BuildPlanningSystemMessage() string {
	return `You translate questions into structured query plans over a fixed relational schema. You never invent tables or columns and never write SQL.`
}
