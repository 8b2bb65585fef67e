package models

import (
	"strings"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/jsonutil"
)

// Intent is the coarse shape of answer the planner expects.
type Intent string

const (
	IntentList      Intent = "list"
	IntentExists    Intent = "exists"
	IntentAggregate Intent = "aggregate"
	IntentUnknown   Intent = "unknown"
)

// Normalize maps unrecognised intents to IntentUnknown.
func (i Intent) Normalize() Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(string(i)))) {
	case IntentList:
		return IntentList
	case IntentExists:
		return IntentExists
	case IntentAggregate:
		return IntentAggregate
	default:
		return IntentUnknown
	}
}

// QueryPlan is the planner's structural proposal. It never carries joins or
// resolved ids; those are computed downstream.
type QueryPlan struct {
	Skip      bool              `json:"skip"`
	Intent    Intent            `json:"intent"`
	BaseTable string            `json:"base_table"`
	Tables    []string          `json:"tables"`
	Aliases   map[string]string `json:"aliases"`
	Filters   []PlanFilter      `json:"filters"`

	// JoinIntent optionally orders tables for join expansion; Tables is used otherwise.
	JoinIntent []string             `json:"join_intent,omitempty"`
	Aggregates []PlanAggregate      `json:"aggregates,omitempty"`
	Limit      jsonutil.FlexibleInt `json:"limit"`
}

// JoinOrder returns the table sequence to expand into join conditions.
func (p QueryPlan) JoinOrder() []string {
	if len(p.JoinIntent) > 0 {
		return p.JoinIntent
	}
	return p.Tables
}

// HasTable reports whether table is one of the plan's tables.
func (p QueryPlan) HasTable(table string) bool {
	for _, t := range p.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// PlanFilter is one WHERE predicate as proposed by the planner.
type PlanFilter struct {
	EntityType string                      `json:"entity_type,omitempty"`
	Table      string                      `json:"table,omitempty"`
	ColumnHint string                      `json:"column_hint,omitempty"`
	Op         string                      `json:"op,omitempty"`
	RawValue   jsonutil.FlexibleString     `json:"raw_value"`
	Values     jsonutil.FlexibleStringList `json:"values,omitempty"`
}

// IsEntity reports whether the filter refers to a catalogued entity.
func (f PlanFilter) IsEntity() bool {
	t := strings.TrimSpace(f.EntityType)
	return t != "" && t != "other"
}

// PlanAggregate is an aggregate projection such as count(*) or avg(credits).
type PlanAggregate struct {
	Func       string `json:"func"`
	Table      string `json:"table,omitempty"`
	ColumnHint string `json:"column_hint,omitempty"`
	Alias      string `json:"alias,omitempty"`
}

// Confidence grades an entity resolution after dedup by entity id.
type Confidence string

const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Decision records how a filter's value will be bound.
type Decision string

const (
	// DecisionLiteral binds the raw value against the resolved column.
	DecisionLiteral Decision = "literal"
	// DecisionAuto binds the single high-confidence entity id.
	DecisionAuto Decision = "auto"
	// DecisionChosen binds the id the caller selected.
	DecisionChosen Decision = "chosen"
	// DecisionTextMatch binds raw_value with a case-insensitive text match.
	DecisionTextMatch Decision = "text_match"
	// DecisionPending waits for a caller choice.
	DecisionPending Decision = "pending"
)

// ResolvedColumn is a physical column bound to its table alias.
type ResolvedColumn struct {
	Table      string  `json:"table"`
	Alias      string  `json:"alias"`
	Column     string  `json:"column"`
	Similarity float64 `json:"similarity"`
}

// Expr renders alias.column.
func (c ResolvedColumn) Expr() string {
	return c.Alias + "." + c.Column
}

// ResolvedFilter is a PlanFilter after column and entity resolution.
type ResolvedFilter struct {
	PlanFilter
	Index      int             `json:"index"`
	Column     *ResolvedColumn `json:"column,omitempty"`
	Resolved   []EntityMatch   `json:"resolved,omitempty"`
	Confidence Confidence      `json:"confidence,omitempty"`
	Decision   Decision        `json:"decision"`
	Selected   *EntityMatch    `json:"selected,omitempty"`
	Hydrated   *Row            `json:"hydrated,omitempty"`
}

// ResolvedAggregate is a PlanAggregate bound to a physical column.
// Column is nil for count(*).
type ResolvedAggregate struct {
	Func   string          `json:"func"`
	Column *ResolvedColumn `json:"column,omitempty"`
	Alias  string          `json:"alias"`
}

// PlanningResult is the output of the planning stage.
type PlanningResult struct {
	Query string    `json:"query"`
	Plan  QueryPlan `json:"plan"`
}

// ResolvedPlan is a plan whose filters and aggregates are bound.
type ResolvedPlan struct {
	PlanningResult
	Filters    []ResolvedFilter    `json:"filters"`
	Aggregates []ResolvedAggregate `json:"aggregates,omitempty"`
}

// PendingIndexes returns the indexes of filters awaiting a choice.
func (p ResolvedPlan) PendingIndexes() []int {
	var out []int
	for i, f := range p.Filters {
		if f.Decision == DecisionPending {
			out = append(out, i)
		}
	}
	return out
}

// JoinedPlan is a fully decided plan with its join conditions.
type JoinedPlan struct {
	ResolvedPlan
	Joins []JoinPair `json:"joins"`
}

// AssembledQuery is parameterized SQL ready for the gateway.
type AssembledQuery struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// DisambiguationChoice answers one pending filter. Choice indexes the
// filter's candidate list; Skip falls back to text matching.
type DisambiguationChoice struct {
	FilterIndex int  `json:"filter_index"`
	Choice      *int `json:"choice,omitempty"`
	Skip        bool `json:"skip,omitempty"`
}
