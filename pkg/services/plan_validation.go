package services

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

// RowLimits bounds the LIMIT of assembled and executed queries.
type RowLimits struct {
	Default int
	Max     int
}

// Clamp applies the default to non-positive n and caps it at Max.
func (l RowLimits) Clamp(n int) int {
	if n <= 0 {
		n = l.Default
	}
	if l.Max > 0 && n > l.Max {
		n = l.Max
	}
	return n
}

// FilterOps maps the operators a plan may use to the SQL they render as.
var FilterOps = map[string]string{
	"=":       "=",
	"==":      "=",
	"!=":      "<>",
	"<>":      "<>",
	"<":       "<",
	"<=":      "<=",
	">":       ">",
	">=":      ">=",
	"like":    "LIKE",
	"ilike":   "ILIKE",
	"between": "BETWEEN",
}

// AggregateFuncs are the aggregates a plan may use.
var AggregateFuncs = map[string]bool{"count": true, "sum": true, "avg": true, "min": true, "max": true}

var reservedAliases = map[string]bool{
	"select": true, "from": true, "where": true, "join": true, "on": true, "and": true, "or": true,
	"as": true, "limit": true, "order": true, "group": true, "by": true, "not": true, "in": true,
	"is": true, "null": true, "between": true, "like": true, "ilike": true, "inner": true, "left": true,
}

func invalidPlan(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidPlan, fmt.Sprintf(format, args...))
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidatePlan normalizes plan in place and rejects anything the registry
// cannot back. After it returns nil every table, alias, operator and
// aggregate in the plan is safe to hand to the assembler.
func ValidatePlan(registry *schema.Registry, plan *models.QueryPlan, limits RowLimits) error {
	plan.Intent = plan.Intent.Normalize()
	plan.BaseTable = normalizeName(plan.BaseTable)
	if plan.BaseTable == "" {
		return invalidPlan("base_table is required")
	}
	if !registry.HasTable(plan.BaseTable) {
		return invalidPlan("unknown base table %q", plan.BaseTable)
	}

	tables := make([]string, 0, len(plan.Tables))
	seen := make(map[string]bool, len(plan.Tables))
	for _, t := range plan.Tables {
		t = normalizeName(t)
		if !registry.HasTable(t) {
			return invalidPlan("unknown table %q", t)
		}
		if seen[t] {
			return invalidPlan("table %q listed twice", t)
		}
		seen[t] = true
		tables = append(tables, t)
	}
	if len(tables) == 0 {
		tables = []string{plan.BaseTable}
	}
	plan.Tables = tables
	if !plan.HasTable(plan.BaseTable) {
		return invalidPlan("base table %q is not in tables", plan.BaseTable)
	}

	if err := validateAliases(registry, plan); err != nil {
		return err
	}

	for i := range plan.Filters {
		if err := validateFilter(registry, plan, &plan.Filters[i]); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}

	if err := validateAggregates(plan); err != nil {
		return err
	}

	if len(plan.JoinIntent) > 0 {
		order := make([]string, len(plan.JoinIntent))
		covered := make(map[string]bool, len(plan.JoinIntent))
		for i, t := range plan.JoinIntent {
			t = normalizeName(t)
			if !registry.HasTable(t) {
				return invalidPlan("unknown table %q in join_intent", t)
			}
			order[i] = t
			covered[t] = true
		}
		for _, t := range plan.Tables {
			if !covered[t] {
				return invalidPlan("join_intent does not include table %q", t)
			}
		}
		plan.JoinIntent = order
	}

	limit := 0
	if plan.Limit.Value != nil {
		limit = *plan.Limit.Value
	}
	limit = limits.Clamp(limit)
	plan.Limit.Value = &limit
	return nil
}

func validateAliases(registry *schema.Registry, plan *models.QueryPlan) error {
	given := make(map[string]string, len(plan.Aliases))
	for table, alias := range plan.Aliases {
		given[normalizeName(table)] = strings.TrimSpace(alias)
	}

	aliases := make(map[string]string, len(plan.Tables))
	used := make(map[string]string, len(plan.Tables))
	for _, table := range plan.Tables {
		alias := given[table]
		if alias == "" {
			alias = table
		}
		if !schema.IsIdentifier(alias) || reservedAliases[strings.ToLower(alias)] {
			return invalidPlan("alias %q for %s is not a valid identifier", alias, table)
		}
		if alias != table && registry.HasTable(alias) {
			return invalidPlan("alias %q for %s shadows another table", alias, table)
		}
		if other, dup := used[alias]; dup {
			return invalidPlan("alias %q used for both %s and %s", alias, other, table)
		}
		used[alias] = table
		aliases[table] = alias
	}
	plan.Aliases = aliases
	return nil
}

func validateFilter(registry *schema.Registry, plan *models.QueryPlan, f *models.PlanFilter) error {
	f.EntityType = normalizeName(f.EntityType)
	f.Table = normalizeName(f.Table)
	f.ColumnHint = strings.TrimSpace(f.ColumnHint)
	f.Op = strings.ToLower(strings.TrimSpace(f.Op))
	if f.Op == "" {
		f.Op = "="
	}
	if _, ok := FilterOps[f.Op]; !ok {
		return invalidPlan("unsupported operator %q", f.Op)
	}
	if f.Table != "" && !plan.HasTable(f.Table) {
		return invalidPlan("table %q is not in tables", f.Table)
	}

	raw := strings.TrimSpace(f.RawValue.String())
	if raw == "" && len(f.Values) == 1 && f.Op != "between" {
		raw = strings.TrimSpace(f.Values[0])
	}
	f.RawValue = jsonutil.FlexibleString(raw)

	if f.IsEntity() {
		if entityTableName(registry, f.EntityType) == "" {
			return invalidPlan("unknown entity type %q", f.EntityType)
		}
		switch FilterOps[f.Op] {
		case "=", "<>":
		default:
			return invalidPlan("operator %q cannot compare a %s entity", f.Op, f.EntityType)
		}
		if raw == "" {
			return invalidPlan("%s filter has no raw_value", f.EntityType)
		}
		return nil
	}

	if f.Op == "between" {
		if len(f.Values) != 2 {
			return invalidPlan("between needs exactly two values, got %d", len(f.Values))
		}
		return nil
	}
	if raw == "" {
		return invalidPlan("filter on %q has no raw_value", f.ColumnHint)
	}
	return nil
}

func validateAggregates(plan *models.QueryPlan) error {
	if plan.Intent == models.IntentAggregate && len(plan.Aggregates) == 0 {
		plan.Aggregates = []models.PlanAggregate{{Func: "count"}}
	}
	if len(plan.Aggregates) > 0 {
		plan.Intent = models.IntentAggregate
	}

	used := make(map[string]bool, len(plan.Aggregates))
	for i := range plan.Aggregates {
		a := &plan.Aggregates[i]
		a.Func = normalizeName(a.Func)
		a.Table = normalizeName(a.Table)
		a.ColumnHint = strings.TrimSpace(a.ColumnHint)
		a.Alias = strings.TrimSpace(a.Alias)

		if !AggregateFuncs[a.Func] {
			return invalidPlan("unsupported aggregate %q", a.Func)
		}
		if a.Table != "" && !plan.HasTable(a.Table) {
			return invalidPlan("aggregate table %q is not in tables", a.Table)
		}
		if a.ColumnHint == "" && a.Func != "count" {
			return invalidPlan("%s needs a column_hint", a.Func)
		}
		if a.Alias == "" {
			a.Alias = a.Func
			if a.ColumnHint != "" {
				a.Alias += "_" + strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(a.ColumnHint))
			}
		}
		if !schema.IsIdentifier(a.Alias) || reservedAliases[strings.ToLower(a.Alias)] {
			return invalidPlan("aggregate alias %q is not a valid identifier", a.Alias)
		}
		if used[a.Alias] {
			return invalidPlan("aggregate alias %q used twice", a.Alias)
		}
		used[a.Alias] = true
	}
	return nil
}
