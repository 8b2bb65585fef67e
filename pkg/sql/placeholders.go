package sql

import (
	"fmt"
	"sort"
)

// Placeholders returns the distinct $N indexes used outside quoted strings, ascending.
func Placeholders(sqlQuery string) []int {
	seen := make(map[int]bool)
	n, inNum := 0, false
	flush := func() {
		if inNum && n > 0 {
			seen[n] = true
		}
		n, inNum = 0, false
	}

	scanOutsideStrings(sqlQuery, func(_ int, r rune) bool {
		switch {
		case r == '$':
			flush()
			inNum = true
		case inNum && r >= '0' && r <= '9':
			n = n*10 + int(r-'0')
		default:
			flush()
		}
		return true
	})
	flush()

	out := make([]int, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// CheckPlaceholders verifies the statement uses exactly $1..$n.
func CheckPlaceholders(sqlQuery string, n int) error {
	got := Placeholders(sqlQuery)
	if len(got) != n {
		return fmt.Errorf("statement uses %d placeholders but %d parameters were bound", len(got), n)
	}
	for i, idx := range got {
		if idx != i+1 {
			return fmt.Errorf("placeholder $%d is out of sequence", idx)
		}
	}
	return nil
}
