package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/crypto"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/logging"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

// EngineConfig holds the resolution constants of the pipeline.
type EngineConfig struct {
	Entity     CutoffOptions
	Confidence ConfidencePolicy
	ColumnK    int
	// Hydrate attaches the source row of auto-accepted and chosen entities.
	Hydrate bool
}

// DefaultEngineConfig is soft 3, hard 5, threshold 0.70 with the default
// confidence policy.
var DefaultEngineConfig = EngineConfig{
	Entity:     CutoffOptions{SoftK: 3, HardK: 5, Threshold: 0.70},
	Confidence: DefaultConfidencePolicy,
	ColumnK:    3,
	Hydrate:    true,
}

// NL2SQLEngine turns questions into parameterized SQL.
//
// Both methods return exactly one of *models.Resolved,
// *models.NeedsDisambiguation or *models.Failed. The error is non-nil only
// when ctx ends; every pipeline failure is reported as *models.Failed.
type NL2SQLEngine interface {
	Run(ctx context.Context, query string) (models.Outcome, error)
	// Resume continues a paused query from its token once every pending
	// filter has a choice.
	Resume(ctx context.Context, token string, choices []models.DisambiguationChoice) (models.Outcome, error)
}

// resumeState is everything sealed into a disambiguation token.
type resumeState struct {
	Plan models.ResolvedPlan `json:"plan"`
}

type nl2sqlEngine struct {
	registry  *schema.Registry
	planner   Planner
	columns   ColumnResolver
	entities  EntityResolver
	assembler *SQLAssembler
	gateway   SQLGateway
	sealer    *crypto.StateSealer
	cfg       EngineConfig
	logger    *zap.Logger
}

// NewNL2SQLEngine creates the engine. gateway is only used for hydration and
// may be nil when cfg.Hydrate is false.
func NewNL2SQLEngine(
	registry *schema.Registry,
	planner Planner,
	columns ColumnResolver,
	entities EntityResolver,
	assembler *SQLAssembler,
	gateway SQLGateway,
	sealer *crypto.StateSealer,
	cfg EngineConfig,
	logger *zap.Logger,
) NL2SQLEngine {
	if cfg.ColumnK <= 0 {
		cfg.ColumnK = DefaultEngineConfig.ColumnK
	}
	return &nl2sqlEngine{
		registry:  registry,
		planner:   planner,
		columns:   columns,
		entities:  entities,
		assembler: assembler,
		gateway:   gateway,
		sealer:    sealer,
		cfg:       cfg,
		logger:    logger.Named("nl2sql"),
	}
}

var _ NL2SQLEngine = (*nl2sqlEngine)(nil)

func (e *nl2sqlEngine) Run(ctx context.Context, query string) (models.Outcome, error) {
	planning, err := e.planner.Plan(ctx, query)
	if err != nil {
		return e.fail(ctx, models.StagePlanning, models.ReasonCollaborator, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved, failed, err := e.resolve(ctx, planning)
	if err != nil {
		return nil, err
	}
	if failed != nil {
		return failed, nil
	}

	if pending := resolved.PendingIndexes(); len(pending) > 0 {
		return e.pause(ctx, resolved)
	}
	return e.finish(ctx, resolved)
}

func (e *nl2sqlEngine) Resume(ctx context.Context, token string, choices []models.DisambiguationChoice) (models.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.sealer == nil {
		return models.Fail(models.StageDecision, models.ReasonInvalidToken, "resume tokens are not enabled"), nil
	}

	var state resumeState
	if err := e.sealer.Open(token, &state); err != nil {
		e.logger.Info("Rejected resume token", zap.Error(err))
		return models.Fail(models.StageDecision, models.ReasonInvalidToken, "%s", err.Error()), nil
	}

	resolved := &state.Plan
	if err := ApplyChoices(resolved, choices); err != nil {
		return withQuestion(models.Fail(models.StageDecision, models.ReasonInvalidChoice, "%s", err.Error()), resolved.Query), nil
	}
	for i := range resolved.Filters {
		if resolved.Filters[i].Decision == models.DecisionChosen {
			if err := e.hydrate(ctx, &resolved.Filters[i]); err != nil {
				return nil, err
			}
		}
	}
	out, err := e.finish(ctx, resolved)
	return withQuestion(out, resolved.Query), err
}

// withQuestion records the sealed question on a failed outcome so callers
// holding only the token can still answer from documents.
func withQuestion(out models.Outcome, question string) models.Outcome {
	if failed, ok := out.(*models.Failed); ok {
		failed.Question = question
	}
	return out
}

// resolve binds columns, resolves entities and decides each filter. The
// returned error is only ever ctx.Err().
func (e *nl2sqlEngine) resolve(ctx context.Context, planning *models.PlanningResult) (*models.ResolvedPlan, *models.Failed, error) {
	plan := planning.Plan
	resolved := &models.ResolvedPlan{
		PlanningResult: *planning,
		Filters:        make([]models.ResolvedFilter, len(plan.Filters)),
	}

	for i, f := range plan.Filters {
		col, err := e.resolveFilterColumn(ctx, plan, f)
		if err != nil {
			out, ctxErr := e.fail(ctx, models.StageColumnResolution, models.ReasonUnresolvedColumn, fmt.Errorf("filter %d: %w", i, err))
			return nil, asFailed(out), ctxErr
		}
		resolved.Filters[i] = models.ResolvedFilter{PlanFilter: f, Index: i, Column: col}
	}

	for _, a := range plan.Aggregates {
		agg, err := e.resolveAggregate(ctx, plan, a)
		if err != nil {
			out, ctxErr := e.fail(ctx, models.StageColumnResolution, models.ReasonUnresolvedColumn, err)
			return nil, asFailed(out), ctxErr
		}
		resolved.Aggregates = append(resolved.Aggregates, agg)
	}

	var (
		queries []models.EntityQuery
		owners  []int
	)
	for i, f := range resolved.Filters {
		if f.IsEntity() {
			queries = append(queries, models.EntityQuery{EntityType: f.EntityType, SurfaceForm: f.RawValue.String()})
			owners = append(owners, i)
		}
	}
	if len(queries) > 0 {
		results, err := e.entities.Resolve(ctx, queries, e.cfg.Entity)
		if err != nil {
			out, ctxErr := e.fail(ctx, models.StageEntityResolution, models.ReasonEntityResolution, err)
			return nil, asFailed(out), ctxErr
		}
		for j, res := range results {
			f := &resolved.Filters[owners[j]]
			f.Resolved = res.Resolved
			f.Confidence = e.cfg.Confidence.Classify(res.Resolved)
		}
	}

	for i := range resolved.Filters {
		f := &resolved.Filters[i]
		e.decide(f)
		if f.Decision == models.DecisionAuto {
			if err := e.hydrate(ctx, f); err != nil {
				return nil, nil, err
			}
		}
		e.logger.Debug("Filter decided",
			zap.Int("index", f.Index),
			zap.String("entity_type", f.EntityType),
			zap.String("confidence", string(f.Confidence)),
			zap.String("decision", string(f.Decision)),
			zap.Int("candidates", len(f.Resolved)))
	}
	return resolved, nil, nil
}

func (e *nl2sqlEngine) decide(f *models.ResolvedFilter) {
	if !f.IsEntity() {
		f.Decision = models.DecisionLiteral
		return
	}
	switch f.Confidence {
	case models.ConfidenceHigh:
		best := DedupByEntity(f.Resolved)[0]
		f.Selected = &best
		f.Decision = models.DecisionAuto
	case models.ConfidenceNone:
		f.Decision = models.DecisionTextMatch
	default:
		f.Decision = models.DecisionPending
	}
}

func (e *nl2sqlEngine) resolveFilterColumn(ctx context.Context, plan models.QueryPlan, f models.PlanFilter) (*models.ResolvedColumn, error) {
	if f.ColumnHint == "" {
		if !f.IsEntity() {
			return nil, fmt.Errorf("%w: filter has no column_hint", apperrors.ErrUnresolvedColumn)
		}
		tableName := entityTableName(e.registry, f.EntityType)
		table, ok := e.registry.Table(tableName)
		if !ok || !plan.HasTable(tableName) {
			return nil, fmt.Errorf("%w: table for %s is not among the plan tables", apperrors.ErrUnresolvedColumn, f.EntityType)
		}
		return &models.ResolvedColumn{Table: table.Name, Alias: plan.Aliases[table.Name], Column: table.LabelColumn, Similarity: 1}, nil
	}

	scope := ColumnScope(e.registry, plan, f)
	match, err := e.columns.ResolveFirst(ctx, f.ColumnHint, scope, e.cfg.ColumnK)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, fmt.Errorf("%w: no column matches %q in %v", apperrors.ErrUnresolvedColumn, f.ColumnHint, scope)
	}
	return &models.ResolvedColumn{
		Table:      match.TableName,
		Alias:      plan.Aliases[match.TableName],
		Column:     match.ColumnName,
		Similarity: match.Similarity,
	}, nil
}

func (e *nl2sqlEngine) resolveAggregate(ctx context.Context, plan models.QueryPlan, a models.PlanAggregate) (models.ResolvedAggregate, error) {
	out := models.ResolvedAggregate{Func: a.Func, Alias: a.Alias}
	if a.ColumnHint == "" || a.ColumnHint == "*" {
		return out, nil
	}

	scope := ColumnScope(e.registry, plan, models.PlanFilter{Table: a.Table})
	match, err := e.columns.ResolveFirst(ctx, a.ColumnHint, scope, e.cfg.ColumnK)
	if err != nil {
		return out, err
	}
	if match == nil {
		return out, fmt.Errorf("%w: no column matches aggregate %s(%s)", apperrors.ErrUnresolvedColumn, a.Func, a.ColumnHint)
	}
	out.Column = &models.ResolvedColumn{
		Table:      match.TableName,
		Alias:      plan.Aliases[match.TableName],
		Column:     match.ColumnName,
		Similarity: match.Similarity,
	}
	return out, nil
}

// hydrate attaches the selected entity's source row. It is best effort:
// only a cancelled ctx is returned as an error.
func (e *nl2sqlEngine) hydrate(ctx context.Context, f *models.ResolvedFilter) error {
	if !e.cfg.Hydrate || e.gateway == nil || f.Selected == nil {
		return nil
	}
	table, ok := e.registry.Table(f.Selected.SourceTable)
	if !ok {
		return nil
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table.Name, table.PrimaryKey)
	rows, err := e.gateway.ExecuteRead(ctx, query, []any{f.Selected.EntityID}, 1)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.logger.Warn("Hydration failed",
			zap.String("table", table.Name),
			zap.String("error", logging.SanitizeError(err)))
		return nil
	}
	if len(rows) > 0 {
		f.Hydrated = &rows[0]
	}
	return nil
}

func (e *nl2sqlEngine) pause(ctx context.Context, resolved *models.ResolvedPlan) (models.Outcome, error) {
	if e.sealer == nil {
		return models.Fail(models.StageDecision, models.ReasonInvalidToken, "disambiguation is required but resume tokens are not enabled"), nil
	}

	token, err := e.sealer.Seal(resumeState{Plan: *resolved})
	if err != nil {
		return e.fail(ctx, models.StageDecision, models.ReasonInvalidToken, err)
	}

	pending := make([]models.PendingDecision, 0, len(resolved.Filters))
	for _, i := range resolved.PendingIndexes() {
		f := resolved.Filters[i]
		pending = append(pending, models.PendingDecision{
			FilterIndex: i,
			EntityType:  f.EntityType,
			RawValue:    f.RawValue.String(),
			Confidence:  f.Confidence,
			Candidates:  DedupByEntity(f.Resolved),
		})
	}

	e.logger.Info("Query needs disambiguation", zap.Int("pending", len(pending)))
	return &models.NeedsDisambiguation{Token: token, Pending: pending, Plan: *resolved}, nil
}

// finish resolves joins and assembles SQL for a fully decided plan.
func (e *nl2sqlEngine) finish(ctx context.Context, resolved *models.ResolvedPlan) (models.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	joins, err := e.registry.Joins().Resolve(resolved.Plan.JoinOrder())
	if err != nil {
		return e.fail(ctx, models.StageJoinResolution, models.ReasonNoJoinDefined, err)
	}
	joined := &models.JoinedPlan{ResolvedPlan: *resolved, Joins: joins}
	if joined.Joins == nil {
		joined.Joins = []models.JoinPair{}
	}

	query, err := e.assembler.Assemble(joined)
	if err != nil {
		return e.fail(ctx, models.StageAssembly, models.ReasonAssembly, err)
	}

	e.logger.Info("Query resolved",
		zap.String("sql", logging.SanitizeQuery(query.SQL)),
		zap.Int("params", len(query.Params)),
		zap.Int("joins", len(joins)))
	return &models.Resolved{Query: query, Plan: *joined}, nil
}

// fail maps err to a *models.Failed for stage, or returns ctx.Err() when the
// caller has gone away.
func (e *nl2sqlEngine) fail(ctx context.Context, stage models.Stage, fallback models.FailureReason, err error) (models.Outcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	f := ClassifyFailure(stage, fallback, err)
	e.logger.Warn("Query failed",
		zap.String("stage", string(f.Stage)),
		zap.String("reason", string(f.Reason)),
		zap.String("error", logging.SanitizeError(err)))
	return f, nil
}

func asFailed(o models.Outcome) *models.Failed {
	f, _ := o.(*models.Failed)
	return f
}

// ClassifyFailure picks the reason for err, preferring what the error itself
// says over the stage's fallback.
func ClassifyFailure(stage models.Stage, fallback models.FailureReason, err error) *models.Failed {
	var planErr *PlanningError
	if errors.As(err, &planErr) {
		return &models.Failed{Stage: stage, Reason: planErr.Reason, Message: planErr.Message}
	}

	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return models.Fail(stage, models.ReasonCollaborator, "the %s service is unavailable (%s)", collaboratorName(stage), llmErr.Type)
	}

	switch {
	case errors.Is(err, apperrors.ErrUnresolvedColumn):
		return models.Fail(stage, models.ReasonUnresolvedColumn, "%s", err.Error())
	case errors.Is(err, apperrors.ErrNoJoinDefined):
		return models.Fail(stage, models.ReasonNoJoinDefined, "%s", err.Error())
	case errors.Is(err, apperrors.ErrInvalidPlan):
		return models.Fail(stage, models.ReasonInvalidPlan, "%s", err.Error())
	case errors.Is(err, apperrors.ErrReadOnlyViolation):
		return models.Fail(stage, models.ReasonReadOnlyViolation, "%s", err.Error())
	case errors.Is(err, apperrors.ErrInvalidToken):
		return models.Fail(stage, models.ReasonInvalidToken, "%s", err.Error())
	case errors.Is(err, apperrors.ErrInvalidChoice):
		return models.Fail(stage, models.ReasonInvalidChoice, "%s", err.Error())
	}
	return models.Fail(stage, fallback, "%s", logging.SanitizeError(err))
}

func collaboratorName(stage models.Stage) string {
	if stage == models.StagePlanning {
		return "language model"
	}
	return "embedding"
}
