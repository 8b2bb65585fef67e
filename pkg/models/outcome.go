package models

import "fmt"

// OutcomeKind discriminates Outcome values in serialized form.
type OutcomeKind string

const (
	OutcomeResolved            OutcomeKind = "resolved"
	OutcomeNeedsDisambiguation OutcomeKind = "needs_disambiguation"
	OutcomeFailed              OutcomeKind = "failed"
)

// Outcome is exactly one of *Resolved, *NeedsDisambiguation or *Failed.
type Outcome interface {
	Kind() OutcomeKind
	isOutcome()
}

// Resolved carries the assembled SQL and the plan it came from.
type Resolved struct {
	Query AssembledQuery `json:"query"`
	Plan  JoinedPlan     `json:"plan"`
}

// PendingDecision is one filter's menu of candidates.
type PendingDecision struct {
	FilterIndex int           `json:"filter_index"`
	EntityType  string        `json:"entity_type"`
	RawValue    string        `json:"raw_value"`
	Confidence  Confidence    `json:"confidence"`
	Candidates  []EntityMatch `json:"candidates"`
}

// NeedsDisambiguation pauses the pipeline until the caller picks candidates.
// Token seals the state needed to resume.
type NeedsDisambiguation struct {
	Token   string            `json:"token"`
	Pending []PendingDecision `json:"pending"`
	Plan    ResolvedPlan      `json:"-"`
}

// Stage names the pipeline step that produced a failure.
type Stage string

const (
	StagePlanning         Stage = "planning"
	StageColumnResolution Stage = "column_resolution"
	StageEntityResolution Stage = "entity_resolution"
	StageDecision         Stage = "decision"
	StageJoinResolution   Stage = "join_resolution"
	StageAssembly         Stage = "sql_assembly"
	StageExecution        Stage = "execution"
)

// FailureReason is a stable machine-readable cause.
type FailureReason string

const (
	ReasonPlannerSkip       FailureReason = "planner_skip"
	ReasonPlannerParse      FailureReason = "planner_parse_error"
	ReasonInvalidPlan       FailureReason = "invalid_plan"
	ReasonUnresolvedColumn  FailureReason = "unresolved_column"
	ReasonEntityResolution  FailureReason = "entity_resolution_failed"
	ReasonInvalidChoice     FailureReason = "invalid_choice"
	ReasonInvalidToken      FailureReason = "invalid_token"
	ReasonNoJoinDefined     FailureReason = "no_join_defined"
	ReasonAssembly          FailureReason = "assembly_failed"
	ReasonReadOnlyViolation FailureReason = "read_only_violation"
	ReasonExecution         FailureReason = "execution_failed"
	ReasonCollaborator      FailureReason = "collaborator_unavailable"
)

// Failed reports why the pipeline stopped. Message is safe to show callers.
type Failed struct {
	Stage   Stage         `json:"stage"`
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
	// Question is set when a resumed question fails after its token opened.
	Question string `json:"question,omitempty"`
}

// Error lets a Failed travel as an error where convenient.
func (f *Failed) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.Stage, f.Reason, f.Message)
}

func (*Resolved) Kind() OutcomeKind            { return OutcomeResolved }
func (*NeedsDisambiguation) Kind() OutcomeKind { return OutcomeNeedsDisambiguation }
func (*Failed) Kind() OutcomeKind              { return OutcomeFailed }

func (*Resolved) isOutcome()            {}
func (*NeedsDisambiguation) isOutcome() {}
func (*Failed) isOutcome()              {}

// Fail builds a *Failed outcome.
func Fail(stage Stage, reason FailureReason, format string, args ...any) *Failed {
	return &Failed{Stage: stage, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// OutcomeEnvelope is the wire form of an Outcome. Status carries the kind
// and exactly one of the remaining groups is populated.
type OutcomeEnvelope struct {
	Status  OutcomeKind       `json:"status"`
	Query   *AssembledQuery   `json:"query,omitempty"`
	Plan    *JoinedPlan       `json:"plan,omitempty"`
	Token   string            `json:"token,omitempty"`
	Pending []PendingDecision `json:"pending,omitempty"`
	Failure *Failed           `json:"failure,omitempty"`
}

// Envelope converts o to its wire form.
func Envelope(o Outcome) OutcomeEnvelope {
	switch v := o.(type) {
	case *Resolved:
		return OutcomeEnvelope{Status: OutcomeResolved, Query: &v.Query, Plan: &v.Plan}
	case *NeedsDisambiguation:
		return OutcomeEnvelope{Status: OutcomeNeedsDisambiguation, Token: v.Token, Pending: v.Pending}
	case *Failed:
		return OutcomeEnvelope{Status: OutcomeFailed, Failure: v}
	}
	return OutcomeEnvelope{Status: OutcomeFailed, Failure: Fail(StageDecision, ReasonAssembly, "no outcome")}
}
