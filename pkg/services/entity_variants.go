package services

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var honorifics = map[string]bool{"dr": true, "prof": true, "mr": true, "ms": true, "mrs": true}

// SurfaceVariants expands a label into the texts embedded for it: the label
// itself, its lower and title case forms, every token in its original, lower
// and title case, and the label with honorifics removed. Order is stable and
// duplicates are dropped.
func SurfaceVariants(label string) []string {
	base := strings.Join(strings.Fields(label), " ")
	if base == "" {
		return nil
	}

	title := cases.Title(language.Und)
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	add(base)
	add(strings.ToLower(base))
	add(title.String(base))

	tokens := strings.Fields(base)
	for _, tok := range tokens {
		add(tok)
		add(strings.ToLower(tok))
		add(title.String(tok))
	}

	kept := tokens[:0:0]
	for _, tok := range tokens {
		if !honorifics[strings.Trim(strings.ToLower(tok), ".")] {
			kept = append(kept, tok)
		}
	}
	if len(kept) > 0 && len(kept) < len(tokens) {
		stripped := strings.Join(kept, " ")
		add(stripped)
		add(strings.ToLower(stripped))
		add(title.String(stripped))
	}
	return out
}

// SurfaceForm joins the non-empty values of a row in column order.
func SurfaceForm(values []string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
