package services

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
	sqlcheck "github.com/ekaya-inc/ekaya-nl2sql/pkg/sql"
)

// SQLAssembler renders a fully decided plan into parameterized PostgreSQL.
// Every value is bound as a $N parameter; every identifier comes from the
// registry or the validated plan aliases.
type SQLAssembler struct {
	registry *schema.Registry
	limits   RowLimits
}

// NewSQLAssembler creates an SQLAssembler.
func NewSQLAssembler(registry *schema.Registry, limits RowLimits) *SQLAssembler {
	return &SQLAssembler{registry: registry, limits: limits}
}

type params struct {
	values []any
}

func (p *params) bind(v any) string {
	p.values = append(p.values, v)
	return fmt.Sprintf("$%d", len(p.values))
}

type assembly struct {
	registry *schema.Registry
	plan     *models.JoinedPlan
	aliases  map[string]string
	joined   map[string]bool
}

// Assemble builds the statement. Filters still pending a choice fail with
// apperrors.ErrAmbiguityPending.
func (a *SQLAssembler) Assemble(plan *models.JoinedPlan) (models.AssembledQuery, error) {
	if pending := plan.PendingIndexes(); len(pending) > 0 {
		return models.AssembledQuery{}, fmt.Errorf("%w: filters %v", apperrors.ErrAmbiguityPending, pending)
	}

	qp := plan.Plan
	if !a.registry.HasTable(qp.BaseTable) {
		return models.AssembledQuery{}, fmt.Errorf("unknown base table %q", qp.BaseTable)
	}

	asm := &assembly{
		registry: a.registry,
		plan:     plan,
		aliases:  make(map[string]string, len(qp.Tables)),
		joined:   map[string]bool{qp.BaseTable: true},
	}
	for _, t := range qp.Tables {
		alias := qp.Aliases[t]
		if alias == "" {
			alias = t
		}
		if !schema.IsIdentifier(alias) {
			return models.AssembledQuery{}, fmt.Errorf("invalid alias %q", alias)
		}
		asm.aliases[t] = alias
	}

	var (
		sb   strings.Builder
		args params
	)

	joins, extra, err := asm.joinClauses()
	if err != nil {
		return models.AssembledQuery{}, err
	}
	selectList, err := asm.selectList()
	if err != nil {
		return models.AssembledQuery{}, err
	}

	sb.WriteString("SELECT ")
	sb.WriteString(selectList)
	sb.WriteString(" FROM ")
	sb.WriteString(asm.tableRef(qp.BaseTable))
	for _, j := range joins {
		sb.WriteString(" ")
		sb.WriteString(j)
	}

	conditions := extra
	for i := range plan.Filters {
		cond, err := asm.filterCondition(&plan.Filters[i], &args)
		if err != nil {
			return models.AssembledQuery{}, fmt.Errorf("filter %d: %w", i, err)
		}
		conditions = append(conditions, cond)
	}
	if len(conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}

	limit := 1
	if qp.Intent != models.IntentExists {
		n := 0
		if qp.Limit.Value != nil {
			n = *qp.Limit.Value
		}
		limit = a.limits.Clamp(n)
	}
	sb.WriteString(" LIMIT ")
	sb.WriteString(args.bind(limit))

	out := models.AssembledQuery{SQL: sb.String(), Params: args.values}
	if err := sqlcheck.CheckPlaceholders(out.SQL, len(out.Params)); err != nil {
		return models.AssembledQuery{}, err
	}
	return out, nil
}

func (asm *assembly) alias(table string) string {
	if alias, ok := asm.aliases[table]; ok {
		return alias
	}
	return table
}

func (asm *assembly) tableRef(table string) string {
	if alias := asm.alias(table); alias != table {
		return table + " " + alias
	}
	return table
}

func (asm *assembly) columnExpr(c *models.ResolvedColumn) (string, error) {
	if !asm.registry.HasColumn(c.Table, c.Column) {
		return "", fmt.Errorf("unknown column %s.%s", c.Table, c.Column)
	}
	if !asm.joined[c.Table] {
		return "", fmt.Errorf("column %s.%s refers to a table outside the query", c.Table, c.Column)
	}
	return asm.alias(c.Table) + "." + c.Column, nil
}

func (asm *assembly) refExpr(ref models.ColumnRef) (string, error) {
	if !asm.registry.HasColumn(ref.Table, ref.Column) {
		return "", fmt.Errorf("unknown join column %s", ref)
	}
	return asm.alias(ref.Table) + "." + ref.Column, nil
}

func (asm *assembly) selectList() (string, error) {
	qp := asm.plan.Plan
	base := asm.alias(qp.BaseTable)

	switch qp.Intent {
	case models.IntentExists:
		return "1", nil
	case models.IntentAggregate:
		return asm.aggregateList()
	}
	if len(asm.plan.Joins) > 0 {
		return "DISTINCT " + base + ".*", nil
	}
	return base + ".*", nil
}

func (asm *assembly) aggregateList() (string, error) {
	if len(asm.plan.Aggregates) == 0 {
		return "count(*) AS count", nil
	}
	items := make([]string, 0, len(asm.plan.Aggregates))
	for _, agg := range asm.plan.Aggregates {
		if !AggregateFuncs[agg.Func] {
			return "", fmt.Errorf("unsupported aggregate %q", agg.Func)
		}
		if !schema.IsIdentifier(agg.Alias) {
			return "", fmt.Errorf("invalid aggregate alias %q", agg.Alias)
		}
		if agg.Column == nil {
			if agg.Func != "count" {
				return "", fmt.Errorf("%s needs a column", agg.Func)
			}
			items = append(items, "count(*) AS "+agg.Alias)
			continue
		}
		col, err := asm.columnExpr(agg.Column)
		if err != nil {
			return "", err
		}
		items = append(items, fmt.Sprintf("%s(%s) AS %s", agg.Func, col, agg.Alias))
	}
	return strings.Join(items, ", "), nil
}

// joinClauses attaches each pair to whichever side is already joined.
// Pairs with neither side joined are retried after the others; a pass that
// attaches nothing means the path is disconnected. Pairs whose sides are both
// already joined become extra WHERE conditions.
func (asm *assembly) joinClauses() ([]string, []string, error) {
	var (
		clauses []string
		extra   []string
	)
	pending := append([]models.JoinPair(nil), asm.plan.Joins...)

	for len(pending) > 0 {
		var deferred []models.JoinPair
		for _, pair := range pending {
			left, err := asm.refExpr(pair.Left)
			if err != nil {
				return nil, nil, err
			}
			right, err := asm.refExpr(pair.Right)
			if err != nil {
				return nil, nil, err
			}

			lj, rj := asm.joined[pair.Left.Table], asm.joined[pair.Right.Table]
			switch {
			case lj && rj:
				extra = append(extra, left+" = "+right)
			case lj:
				asm.joined[pair.Right.Table] = true
				clauses = append(clauses, fmt.Sprintf("JOIN %s ON %s = %s", asm.tableRef(pair.Right.Table), left, right))
			case rj:
				asm.joined[pair.Left.Table] = true
				clauses = append(clauses, fmt.Sprintf("JOIN %s ON %s = %s", asm.tableRef(pair.Left.Table), left, right))
			default:
				deferred = append(deferred, pair)
			}
		}
		if len(deferred) == len(pending) {
			return nil, nil, fmt.Errorf("join path %s = %s is not connected to %s", pending[0].Left, pending[0].Right, asm.plan.Plan.BaseTable)
		}
		pending = deferred
	}

	for _, t := range asm.plan.Plan.Tables {
		if !asm.joined[t] {
			return nil, nil, fmt.Errorf("table %s is not joined to %s", t, asm.plan.Plan.BaseTable)
		}
	}
	return clauses, extra, nil
}

func (asm *assembly) filterCondition(f *models.ResolvedFilter, args *params) (string, error) {
	if f.Column == nil {
		return "", fmt.Errorf("%w: no column bound", apperrors.ErrUnresolvedColumn)
	}
	col, err := asm.columnExpr(f.Column)
	if err != nil {
		return "", err
	}
	op, ok := FilterOps[f.Op]
	if !ok {
		return "", fmt.Errorf("unsupported operator %q", f.Op)
	}

	switch f.Decision {
	case models.DecisionAuto, models.DecisionChosen:
		if f.Selected == nil {
			return "", fmt.Errorf("decision %s without a selected entity", f.Decision)
		}
		table, ok := asm.registry.Table(f.Selected.SourceTable)
		if !ok || !asm.joined[table.Name] {
			return "", fmt.Errorf("entity table %q is not part of the query", f.Selected.SourceTable)
		}
		if op != "<>" {
			op = "="
		}
		return fmt.Sprintf("%s.%s %s %s", asm.alias(table.Name), table.PrimaryKey, op, args.bind(f.Selected.EntityID)), nil

	case models.DecisionTextMatch:
		match := "ILIKE"
		if op == "<>" {
			match = "NOT ILIKE"
		}
		return fmt.Sprintf("%s %s %s", col, match, args.bind("%"+escapeLike(f.RawValue.String())+"%")), nil

	case models.DecisionLiteral:
		if op == "BETWEEN" {
			if len(f.Values) != 2 {
				return "", fmt.Errorf("between needs two values")
			}
			lo := args.bind(f.Values[0])
			hi := args.bind(f.Values[1])
			return fmt.Sprintf("%s BETWEEN %s AND %s", col, lo, hi), nil
		}
		return fmt.Sprintf("%s %s %s", col, op, args.bind(f.RawValue.String())), nil

	case models.DecisionPending:
		return "", apperrors.ErrAmbiguityPending
	default:
		return "", fmt.Errorf("filter has no decision")
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
