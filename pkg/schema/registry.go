// Package schema describes the physical tables, join paths and seed guidance
// the NL2SQL pipeline is allowed to reference.
package schema

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

//go:embed registry.yaml
var defaultRegistry []byte

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether s is a plain SQL identifier that needs no quoting.
func IsIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

// Column is a physical column and the phrases used to find it.
type Column struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Aliases     []string `yaml:"aliases"`
}

// Table is a physical table. Tables with an EntityType back entity resolution.
type Table struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	PrimaryKey  string   `yaml:"primary_key"`
	EntityType  string   `yaml:"entity_type"`
	LabelColumn string   `yaml:"label_column"`
	Columns     []Column `yaml:"columns"`
}

// HasColumn reports whether the table declares column.
func (t *Table) HasColumn(column string) bool {
	for _, c := range t.Columns {
		if c.Name == column {
			return true
		}
	}
	return false
}

// MatchColumn finds the column whose name or one of whose aliases equals hint,
// ignoring case and treating spaces and hyphens as underscores.
func (t *Table) MatchColumn(hint string) (string, bool) {
	want := normalizeHint(hint)
	if want == "" {
		return "", false
	}
	for _, c := range t.Columns {
		if normalizeHint(c.Name) == want {
			return c.Name, true
		}
	}
	for _, c := range t.Columns {
		for _, a := range c.Aliases {
			if normalizeHint(a) == want {
				return c.Name, true
			}
		}
	}
	return "", false
}

func normalizeHint(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}

// ColumnNames returns the declared columns in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnText is one embeddable phrase describing a column.
type ColumnText struct {
	Table  string
	Column string
	Text   string
}

type registryFile struct {
	Tables   []Table               `yaml:"tables"`
	Joins    []JoinEntry           `yaml:"joins"`
	Guidance []models.GuidanceItem `yaml:"guidance"`
}

// Registry is the validated, read-only schema description.
type Registry struct {
	tables   map[string]*Table
	order    []string
	byEntity map[string]*Table
	joins    *JoinGraph
	guidance []models.GuidanceItem
}

// Default parses the registry compiled into the binary.
func Default() (*Registry, error) {
	return Parse(defaultRegistry)
}

// LoadFile parses a registry from path. An empty path returns Default().
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schema registry: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a registry from r.
func Load(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates registry YAML.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema registry: %w", err)
	}
	return newRegistry(file)
}

func newRegistry(file registryFile) (*Registry, error) {
	reg := &Registry{
		tables:   make(map[string]*Table, len(file.Tables)),
		byEntity: make(map[string]*Table),
	}

	for i := range file.Tables {
		t := &file.Tables[i]
		if !IsIdentifier(t.Name) {
			return nil, fmt.Errorf("invalid table name %q", t.Name)
		}
		if _, dup := reg.tables[t.Name]; dup {
			return nil, fmt.Errorf("table %q declared twice", t.Name)
		}
		for _, c := range t.Columns {
			if !IsIdentifier(c.Name) {
				return nil, fmt.Errorf("invalid column name %q in table %s", c.Name, t.Name)
			}
		}
		if t.PrimaryKey != "" && !t.HasColumn(t.PrimaryKey) {
			return nil, fmt.Errorf("table %s: primary key %q is not a declared column", t.Name, t.PrimaryKey)
		}
		if t.EntityType != "" {
			if t.PrimaryKey == "" || t.LabelColumn == "" {
				return nil, fmt.Errorf("table %s: entity tables need primary_key and label_column", t.Name)
			}
			if !t.HasColumn(t.LabelColumn) {
				return nil, fmt.Errorf("table %s: label column %q is not a declared column", t.Name, t.LabelColumn)
			}
			if other, dup := reg.byEntity[t.EntityType]; dup {
				return nil, fmt.Errorf("entity type %q mapped to both %s and %s", t.EntityType, other.Name, t.Name)
			}
			reg.byEntity[t.EntityType] = t
		}
		reg.tables[t.Name] = t
		reg.order = append(reg.order, t.Name)
	}

	graph, err := NewJoinGraph(file.Joins)
	if err != nil {
		return nil, err
	}
	for _, entry := range file.Joins {
		for _, pair := range entry.Path {
			for _, ref := range []models.ColumnRef{pair.Left, pair.Right} {
				if !reg.HasColumn(ref.Table, ref.Column) {
					return nil, fmt.Errorf("join %s -> %s references unknown column %s", entry.Left, entry.Right, ref)
				}
			}
		}
	}
	reg.joins = graph

	for i := range file.Guidance {
		g := file.Guidance[i]
		if !g.Type.IsValid() {
			return nil, fmt.Errorf("guidance %q has unknown type %q", g.Name, g.Type)
		}
		reg.guidance = append(reg.guidance, g)
	}

	return reg, nil
}

// HasTable reports whether table is declared.
func (r *Registry) HasTable(table string) bool {
	_, ok := r.tables[table]
	return ok
}

// HasColumn reports whether table.column is declared.
func (r *Registry) HasColumn(table, column string) bool {
	t, ok := r.tables[table]
	return ok && t.HasColumn(column)
}

// Table returns the named table.
func (r *Registry) Table(name string) (*Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Tables returns every table in declaration order.
func (r *Registry) Tables() []*Table {
	out := make([]*Table, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tables[name])
	}
	return out
}

// TableForEntityType returns the table whose rows back entityType.
func (r *Registry) TableForEntityType(entityType string) (*Table, bool) {
	t, ok := r.byEntity[strings.TrimSpace(entityType)]
	return t, ok
}

// EntityTables returns tables that back an entity type, in declaration order.
func (r *Registry) EntityTables() []*Table {
	var out []*Table
	for _, name := range r.order {
		if t := r.tables[name]; t.EntityType != "" {
			out = append(out, t)
		}
	}
	return out
}

// Joins returns the join graph.
func (r *Registry) Joins() *JoinGraph {
	return r.joins
}

// Guidance returns a copy of the seed guidance items.
func (r *Registry) Guidance() []models.GuidanceItem {
	out := make([]models.GuidanceItem, len(r.guidance))
	copy(out, r.guidance)
	return out
}

// ColumnTexts returns every embeddable phrase for every described column.
// A column without aliases contributes its name and description.
func (r *Registry) ColumnTexts() []ColumnText {
	var out []ColumnText
	for _, name := range r.order {
		t := r.tables[name]
		for _, c := range t.Columns {
			texts := c.Aliases
			if len(texts) == 0 {
				texts = []string{c.Name}
				if c.Description != "" {
					texts = append(texts, c.Description)
				}
			}
			for _, text := range texts {
				out = append(out, ColumnText{Table: t.Name, Column: c.Name, Text: text})
			}
		}
	}
	return out
}
