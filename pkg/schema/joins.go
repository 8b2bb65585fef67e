package schema

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// JoinEntry is a stored join path from Left to Right. Multi-hop paths through
// bridge tables are stored whole, never synthesised at lookup time.
type JoinEntry struct {
	Left  string
	Right string
	Path  []models.JoinPair
}

type joinEntryYAML struct {
	Left  string      `yaml:"left"`
	Right string      `yaml:"right"`
	Path  [][2]string `yaml:"path"`
}

// UnmarshalYAML reads path pairs written as [table.column, table.column].
func (e *JoinEntry) UnmarshalYAML(node *yaml.Node) error {
	var raw joinEntryYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}
	e.Left, e.Right = raw.Left, raw.Right
	e.Path = make([]models.JoinPair, 0, len(raw.Path))
	for _, p := range raw.Path {
		left, err := ParseColumnRef(p[0])
		if err != nil {
			return err
		}
		right, err := ParseColumnRef(p[1])
		if err != nil {
			return err
		}
		e.Path = append(e.Path, models.JoinPair{Left: left, Right: right})
	}
	return nil
}

// ParseColumnRef parses "table.column".
func ParseColumnRef(s string) (models.ColumnRef, error) {
	table, column, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || !IsIdentifier(table) || !IsIdentifier(column) {
		return models.ColumnRef{}, fmt.Errorf("invalid column reference %q", s)
	}
	return models.ColumnRef{Table: table, Column: column}, nil
}

// JoinError reports a table pair with no stored join path.
type JoinError struct {
	Left  string
	Right string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("no join defined between %s and %s", e.Left, e.Right)
}

func (e *JoinError) Unwrap() error { return apperrors.ErrNoJoinDefined }

type tablePair struct{ left, right string }

// JoinGraph is a static, symmetric table-pair lookup.
type JoinGraph struct {
	paths map[tablePair][]models.JoinPair
}

// NewJoinGraph builds a graph and verifies every entry has a reverse entry
// whose path is the forward path reversed with each pair swapped.
func NewJoinGraph(entries []JoinEntry) (*JoinGraph, error) {
	g := &JoinGraph{paths: make(map[tablePair][]models.JoinPair, len(entries))}
	for _, e := range entries {
		if e.Left == e.Right {
			return nil, fmt.Errorf("join entry %s -> %s joins a table to itself", e.Left, e.Right)
		}
		if len(e.Path) == 0 {
			return nil, fmt.Errorf("join entry %s -> %s has an empty path", e.Left, e.Right)
		}
		key := tablePair{e.Left, e.Right}
		if _, dup := g.paths[key]; dup {
			return nil, fmt.Errorf("join entry %s -> %s declared twice", e.Left, e.Right)
		}
		if err := checkEndpoints(e); err != nil {
			return nil, err
		}
		g.paths[key] = e.Path
	}

	for key, forward := range g.paths {
		reverse, ok := g.paths[tablePair{key.right, key.left}]
		if !ok {
			return nil, fmt.Errorf("join entry %s -> %s has no reverse entry", key.left, key.right)
		}
		if !samePath(reversePath(forward), reverse) {
			return nil, fmt.Errorf("join entry %s -> %s is not the reverse of %s -> %s", key.right, key.left, key.left, key.right)
		}
	}
	return g, nil
}

// checkEndpoints requires the path to start at Left and finish at Right.
func checkEndpoints(e JoinEntry) error {
	if e.Path[0].Left.Table != e.Left {
		return fmt.Errorf("join entry %s -> %s must start at %s", e.Left, e.Right, e.Left)
	}
	if e.Path[len(e.Path)-1].Right.Table != e.Right {
		return fmt.Errorf("join entry %s -> %s must end at %s", e.Left, e.Right, e.Right)
	}
	return nil
}

func reversePath(path []models.JoinPair) []models.JoinPair {
	out := make([]models.JoinPair, len(path))
	for i, p := range path {
		out[len(path)-1-i] = p.Reversed()
	}
	return out
}

func samePath(a, b []models.JoinPair) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Lookup returns the stored path from left to right. If only the opposite
// direction were stored its reversal is returned.
func (g *JoinGraph) Lookup(left, right string) ([]models.JoinPair, error) {
	if path, ok := g.paths[tablePair{left, right}]; ok {
		return append([]models.JoinPair(nil), path...), nil
	}
	if path, ok := g.paths[tablePair{right, left}]; ok {
		return reversePath(path), nil
	}
	return nil, &JoinError{Left: left, Right: right}
}

// Resolve expands each adjacent pair of tables into join conditions.
// Zero or one table yields no joins. Repeated tables and repeated pairs
// are collapsed.
func (g *JoinGraph) Resolve(tables []string) ([]models.JoinPair, error) {
	var (
		out  []models.JoinPair
		seen = make(map[models.JoinPair]bool)
	)
	for i := 0; i+1 < len(tables); i++ {
		left, right := tables[i], tables[i+1]
		if left == right {
			continue
		}
		path, err := g.Lookup(left, right)
		if err != nil {
			return nil, err
		}
		for _, p := range path {
			if seen[p] || seen[p.Reversed()] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Pairs lists every stored (left, right) table pair, sorted.
func (g *JoinGraph) Pairs() [][2]string {
	out := make([][2]string, 0, len(g.paths))
	for k := range g.paths {
		out = append(out, [2]string{k.left, k.right})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}
