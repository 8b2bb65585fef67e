package prompts

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// NoAnswer is returned verbatim when there is nothing to ground an answer on.
const NoAnswer = "I don't know"

// BuildAnswerContext renders rows and document chunks into the two labelled
// sections the answer prompt is grounded on. Empty sections are omitted.
func BuildAnswerContext(rows []models.Row, chunks []models.DocumentChunk) string {
	var ctx strings.Builder

	if len(rows) > 0 {
		ctx.WriteString("DATABASE RESULTS:\n")
		for i, row := range rows {
			parts := make([]string, len(row.Columns))
			for j, col := range row.Columns {
				parts[j] = fmt.Sprintf("%s: %v", col, row.Values[j])
			}
			ctx.WriteString(fmt.Sprintf("%d. %s\n", i+1, strings.Join(parts, ", ")))
		}
	}

	if len(chunks) > 0 {
		if ctx.Len() > 0 {
			ctx.WriteString("\n")
		}
		ctx.WriteString("REFERENCE DOCUMENTS:\n")
		for i, c := range chunks {
			ctx.WriteString(fmt.Sprintf("[%d] (%s)\n%s\n", i+1, c.Source, strings.TrimSpace(c.Content)))
		}
	}

	return ctx.String()
}

// BuildAnswerPrompt asks for an answer grounded only on context.
func BuildAnswerPrompt(question, context string) string {
	var prompt strings.Builder

	prompt.WriteString("Answer the question using only the context below. ")
	prompt.WriteString(fmt.Sprintf("If the context does not contain the answer, reply exactly %q.\n", NoAnswer))
	prompt.WriteString("Cite reference documents by their [number] when you use them.\n\n")
	prompt.WriteString(context)
	prompt.WriteString(fmt.Sprintf("\nQUESTION:\n%s\n", strings.TrimSpace(question)))

	return prompt.String()
}

// BuildAnswerSystemMessage returns the system message for answer composition.
func BuildAnswerSystemMessage() string {
	return `You are a concise assistant for an academic institution. You answer from the supplied context and nothing else.`
}

// SourceList returns the distinct document sources in first-seen order.
func SourceList(chunks []models.DocumentChunk) []string {
	seen := make(map[string]bool, len(chunks))
	var out []string
	for _, c := range chunks {
		if c.Source == "" || seen[c.Source] {
			continue
		}
		seen[c.Source] = true
		out = append(out, c.Source)
	}
	return out
}
