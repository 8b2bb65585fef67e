package schema

import (
	"fmt"
	"strings"
)

// SchemaPrompt renders tables, entity types and joinable pairs for the
// planner prompt. Bridge tables are listed so the planner knows they exist,
// but the planner is told never to write joins itself.
func (r *Registry) SchemaPrompt() string {
	var b strings.Builder

	b.WriteString("TABLES:\n")
	for _, t := range r.Tables() {
		fmt.Fprintf(&b, "- %s", t.Name)
		if t.EntityType != "" {
			fmt.Fprintf(&b, " (entity_type: %s)", t.EntityType)
		}
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteString("\n")
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "    %s", c.Name)
			if c.Type != "" {
				fmt.Fprintf(&b, " %s", c.Type)
			}
			if c.Description != "" {
				fmt.Fprintf(&b, " -- %s", c.Description)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nJOINABLE TABLE PAIRS (joins are computed for you):\n")
	seen := make(map[string]bool)
	for _, p := range r.joins.Pairs() {
		key := p[0] + "|" + p[1]
		if p[1] < p[0] {
			key = p[1] + "|" + p[0]
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		fmt.Fprintf(&b, "- %s <-> %s\n", p[0], p[1])
	}
	return b.String()
}
