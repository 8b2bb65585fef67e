// Package sql provides the statement checks applied before any SQL reaches
// the database: single statement, read-only gate, row limits and placeholder
// accounting.
package sql

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")

	// ErrEmptyStatement indicates nothing was left after normalization.
	ErrEmptyStatement = errors.New("empty SQL statement")

	limitPattern = regexp.MustCompile(`(?i)\blimit\b`)
)

// ReadOnlyError is returned when a statement does not begin with SELECT.
type ReadOnlyError struct {
	Keyword string
}

func (e *ReadOnlyError) Error() string {
	if e.Keyword == "" {
		return "only SELECT statements may be executed"
	}
	return fmt.Sprintf("only SELECT statements may be executed, got %s", e.Keyword)
}

func (e *ReadOnlyError) Unwrap() error { return apperrors.ErrReadOnlyViolation }

// ValidationResult contains the normalized SQL and any validation errors.
type ValidationResult struct {
	NormalizedSQL string
	Error         error
}

// ValidateAndNormalize trims the statement, strips one trailing semicolon and
// rejects anything that still contains a semicolon outside a quoted string.
func ValidateAndNormalize(sqlQuery string) ValidationResult {
	sqlQuery = strings.TrimSpace(sqlQuery)
	if sqlQuery == "" {
		return ValidationResult{Error: ErrEmptyStatement}
	}

	normalized := stripTrailingSemicolon(sqlQuery)
	if normalized == "" {
		return ValidationResult{Error: ErrEmptyStatement}
	}
	if hasSemicolonOutsideStrings(normalized) {
		return ValidationResult{Error: ErrMultipleStatements}
	}
	return ValidationResult{NormalizedSQL: normalized}
}

// CheckReadOnly rejects any statement that does not start with SELECT after
// trimming, compared case-insensitively.
func CheckReadOnly(sqlQuery string) error {
	trimmed := strings.TrimSpace(sqlQuery)
	first := trimmed
	if i := strings.IndexFunc(trimmed, isSpace); i >= 0 {
		first = trimmed[:i]
	}
	if !strings.EqualFold(first, "select") {
		kw := strings.ToUpper(first)
		if len(kw) > 20 {
			kw = kw[:20]
		}
		return &ReadOnlyError{Keyword: kw}
	}
	return nil
}

// HasLimit reports whether the outermost query has a LIMIT clause. A LIMIT
// inside quoted strings, comments or parenthesized subqueries does not count.
func HasLimit(sqlQuery string) bool {
	return limitPattern.MatchString(blankParenthesized(stripStringLiterals(sqlQuery)))
}

// EnsureLimit appends LIMIT n on its own line when the outermost query has
// none, so a trailing line comment cannot swallow it. The second return value
// reports whether a clause was appended.
func EnsureLimit(sqlQuery string, n int) (string, bool) {
	if HasLimit(sqlQuery) {
		return sqlQuery, false
	}
	return fmt.Sprintf("%s\nLIMIT %d", sqlQuery, n), true
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
}

// scanOutsideStrings calls fn for every rune that is not inside a single- or
// double-quoted section, a -- line comment or a /* */ block comment. Block
// comments nest as they do in Postgres. Returning false stops the scan.
func scanOutsideStrings(sqlQuery string, fn func(i int, r rune) bool) {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateLineComment
		stateBlockComment
	)

	next := func(i int) byte {
		if i+1 < len(sqlQuery) {
			return sqlQuery[i+1]
		}
		return 0
	}

	state := stateNormal
	depth := 0
	skip := false
	prev := rune(0)
	for i, r := range sqlQuery {
		if skip {
			skip = false
			prev = 0
			continue
		}
		switch state {
		case stateNormal:
			switch {
			case r == '\'':
				state = stateSingleQuote
			case r == '"':
				state = stateDoubleQuote
			case r == '-' && next(i) == '-':
				state, skip = stateLineComment, true
			case r == '/' && next(i) == '*':
				state, depth, skip = stateBlockComment, 1, true
			default:
				if !fn(i, r) {
					return
				}
			}
		case stateSingleQuote:
			// '' re-enters on the next quote, which keeps us inside the string
			if r == '\'' && prev != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if r == '"' && prev != '\\' {
				state = stateNormal
			}
		case stateLineComment:
			if r == '\n' {
				state = stateNormal
			}
		case stateBlockComment:
			switch {
			case r == '/' && next(i) == '*':
				depth++
				skip = true
			case r == '*' && next(i) == '/':
				depth--
				skip = true
				if depth == 0 {
					state = stateNormal
				}
			}
		}
		prev = r
	}
}

func hasSemicolonOutsideStrings(sqlQuery string) bool {
	found := false
	scanOutsideStrings(sqlQuery, func(_ int, r rune) bool {
		if r == ';' {
			found = true
			return false
		}
		return true
	})
	return found
}

// stripStringLiterals blanks quoted sections and comments so keyword searches
// ignore them.
func stripStringLiterals(sqlQuery string) string {
	var b strings.Builder
	b.Grow(len(sqlQuery))
	last := -1
	scanOutsideStrings(sqlQuery, func(i int, r rune) bool {
		if last >= 0 && i > last+1 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		last = i + len(string(r)) - 1
		return true
	})
	return b.String()
}

// blankParenthesized replaces every parenthesized section with spaces,
// leaving only the outermost query's text.
func blankParenthesized(sqlQuery string) string {
	b := []byte(sqlQuery)
	depth := 0
	for i, c := range b {
		switch {
		case c == '(':
			depth++
			b[i] = ' '
		case c == ')':
			if depth > 0 {
				depth--
			}
			b[i] = ' '
		case depth > 0:
			b[i] = ' '
		}
	}
	return string(b)
}

// stripTrailingSemicolon removes a trailing semicolon and any whitespace after it.
func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimSuffix(sqlQuery, ";")
		sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	}
	return sqlQuery
}
