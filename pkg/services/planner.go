package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/logging"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/prompts"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
)

// PlanningError reports a planner contract failure: an explicit skip, output
// that held no parseable plan, or a plan the registry rejects. Raw keeps an
// excerpt of the model output for logs and is never shown to callers.
type PlanningError struct {
	Reason  models.FailureReason
	Message string
	Raw     string
	Err     error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// Planner turns a question into a validated structural plan.
type Planner interface {
	// Plan returns a *PlanningError for skip, parse and validation failures.
	// Any other error comes from a collaborator.
	Plan(ctx context.Context, query string) (*models.PlanningResult, error)
}

type planner struct {
	registry    *schema.Registry
	guidance    GuidanceRetriever
	completer   llm.Completer
	limits      RowLimits
	temperature float64
	logger      *zap.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(
	registry *schema.Registry,
	guidance GuidanceRetriever,
	completer llm.Completer,
	limits RowLimits,
	temperature float64,
	logger *zap.Logger,
) Planner {
	return &planner{
		registry:    registry,
		guidance:    guidance,
		completer:   completer,
		limits:      limits,
		temperature: temperature,
		logger:      logger.Named("planner"),
	}
}

var _ Planner = (*planner)(nil)

const rawExcerptLen = 500

func (p *planner) Plan(ctx context.Context, query string) (*models.PlanningResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &PlanningError{Reason: models.ReasonInvalidPlan, Message: "query is empty"}
	}

	items, err := p.guidance.RetrieveForPlanning(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve planning guidance: %w", err)
	}

	prompt := prompts.BuildPlanningPrompt(p.registry.SchemaPrompt(), items, query)
	resp, err := p.completer.GenerateResponse(ctx, prompt, prompts.BuildPlanningSystemMessage(), p.temperature)
	if err != nil {
		return nil, fmt.Errorf("planner completion failed: %w", err)
	}

	plan, err := llm.ParseJSONResponse[models.QueryPlan](resp.Content)
	if err != nil {
		p.logger.Warn("Planner output did not parse",
			zap.Int("guidance_items", len(items)),
			zap.Error(err))
		return nil, &PlanningError{
			Reason:  models.ReasonPlannerParse,
			Message: "the planner returned no usable plan",
			Raw:     logging.SanitizeText(resp.Content, rawExcerptLen),
			Err:     err,
		}
	}
	if plan.Skip {
		return nil, &PlanningError{
			Reason:  models.ReasonPlannerSkip,
			Message: "the question cannot be answered from the available tables",
		}
	}

	if err := ValidatePlan(p.registry, &plan, p.limits); err != nil {
		p.logger.Warn("Planner proposed an invalid plan", zap.Error(err))
		return nil, &PlanningError{
			Reason:  models.ReasonInvalidPlan,
			Message: err.Error(),
			Raw:     logging.SanitizeText(resp.Content, rawExcerptLen),
			Err:     err,
		}
	}

	p.logger.Debug("Planned query",
		zap.String("intent", string(plan.Intent)),
		zap.String("base_table", plan.BaseTable),
		zap.Strings("tables", plan.Tables),
		zap.Int("filters", len(plan.Filters)))

	return &models.PlanningResult{Query: query, Plan: plan}, nil
}
