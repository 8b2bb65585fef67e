package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/logging"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/prompts"
)

// AnswerOptions tunes one Answer call.
type AnswerOptions struct {
	// DocumentK is how many reference chunks to include. Zero uses the
	// service default; negative disables document retrieval.
	DocumentK int
	// MinAccessLevel hides chunks whose access_level is below it.
	MinAccessLevel int
}

// AnswerResult is a composed answer with the evidence it used. Answer is
// empty when Outcome needs disambiguation.
type AnswerResult struct {
	Question  string                 `json:"question"`
	Answer    string                 `json:"answer,omitempty"`
	Outcome   models.Outcome         `json:"-"`
	Rows      []models.Row           `json:"rows"`
	Documents []models.DocumentChunk `json:"documents"`
	Sources   []string               `json:"sources,omitempty"`
}

// NeedsDisambiguation reports whether the caller must resume before an
// answer can be composed.
func (r *AnswerResult) NeedsDisambiguation() bool {
	_, ok := r.Outcome.(*models.NeedsDisambiguation)
	return ok
}

// AnswerService answers questions from query results and reference
// documents.
type AnswerService interface {
	Answer(ctx context.Context, question string, opts AnswerOptions) (*AnswerResult, error)
	// Resume answers a paused question once its filters are decided.
	Resume(ctx context.Context, token string, choices []models.DisambiguationChoice, opts AnswerOptions) (*AnswerResult, error)
}

type answerService struct {
	engine      NL2SQLEngine
	gateway     SQLGateway
	documents   DocumentRetriever
	completer   llm.Completer
	documentK   int
	temperature float64
	logger      *zap.Logger
}

// NewAnswerService creates an AnswerService. documents may be nil to answer
// from the database only.
func NewAnswerService(engine NL2SQLEngine, gateway SQLGateway, documents DocumentRetriever, completer llm.Completer, documentK int, temperature float64, logger *zap.Logger) AnswerService {
	return &answerService{
		engine:      engine,
		gateway:     gateway,
		documents:   documents,
		completer:   completer,
		documentK:   documentK,
		temperature: temperature,
		logger:      logger.Named("answer"),
	}
}

var _ AnswerService = (*answerService)(nil)

func (s *answerService) Answer(ctx context.Context, question string, opts AnswerOptions) (*AnswerResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is empty")
	}
	outcome, err := s.engine.Run(ctx, question)
	if err != nil {
		return nil, err
	}
	return s.compose(ctx, question, outcome, opts)
}

func (s *answerService) Resume(ctx context.Context, token string, choices []models.DisambiguationChoice, opts AnswerOptions) (*AnswerResult, error) {
	outcome, err := s.engine.Resume(ctx, token, choices)
	if err != nil {
		return nil, err
	}

	var question string
	switch o := outcome.(type) {
	case *models.Resolved:
		question = o.Plan.Query
	case *models.Failed:
		question = o.Question
	}
	return s.compose(ctx, question, outcome, opts)
}

func (s *answerService) compose(ctx context.Context, question string, outcome models.Outcome, opts AnswerOptions) (*AnswerResult, error) {
	result := &AnswerResult{
		Question:  question,
		Outcome:   outcome,
		Rows:      []models.Row{},
		Documents: []models.DocumentChunk{},
	}

	switch o := outcome.(type) {
	case *models.NeedsDisambiguation:
		return result, nil
	case *models.Resolved:
		rows, err := s.execute(ctx, o)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			result.Outcome = executionFailure(err)
		} else {
			result.Rows = rows
		}
	}

	if question == "" {
		result.Answer = prompts.NoAnswer
		return result, nil
	}

	chunks, err := s.retrieveDocuments(ctx, question, opts)
	if err != nil {
		return nil, err
	}
	result.Documents = chunks
	result.Sources = prompts.SourceList(chunks)

	if len(result.Rows) == 0 && len(chunks) == 0 {
		result.Answer = prompts.NoAnswer
		return result, nil
	}

	prompt := prompts.BuildAnswerPrompt(question, prompts.BuildAnswerContext(result.Rows, chunks))
	resp, err := s.completer.GenerateResponse(ctx, prompt, prompts.BuildAnswerSystemMessage(), s.temperature)
	if err != nil {
		return nil, fmt.Errorf("answer completion failed: %w", err)
	}
	result.Answer = strings.TrimSpace(resp.Content)
	if result.Answer == "" {
		result.Answer = prompts.NoAnswer
	}

	s.logger.Info("Answer composed",
		zap.String("outcome", string(result.Outcome.Kind())),
		zap.Int("rows", len(result.Rows)),
		zap.Int("documents", len(chunks)))
	return result, nil
}

func (s *answerService) execute(ctx context.Context, resolved *models.Resolved) ([]models.Row, error) {
	limit := 0
	if v := resolved.Plan.Plan.Limit.Value; v != nil {
		limit = *v
	}
	return s.gateway.ExecuteRead(ctx, resolved.Query.SQL, resolved.Query.Params, limit)
}

// retrieveDocuments treats the document store as optional: failures other
// than a cancelled ctx are logged and answered without documents.
func (s *answerService) retrieveDocuments(ctx context.Context, question string, opts AnswerOptions) ([]models.DocumentChunk, error) {
	k := opts.DocumentK
	if k == 0 {
		k = s.documentK
	}
	if s.documents == nil || k <= 0 {
		return []models.DocumentChunk{}, nil
	}

	chunks, err := s.documents.Retrieve(ctx, question, k, opts.MinAccessLevel)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Warn("Document retrieval failed", zap.String("error", logging.SanitizeError(err)))
		return []models.DocumentChunk{}, nil
	}
	return chunks, nil
}

func executionFailure(err error) *models.Failed {
	if errors.Is(err, apperrors.ErrReadOnlyViolation) {
		return models.Fail(models.StageExecution, models.ReasonReadOnlyViolation, "%s", err.Error())
	}
	return models.Fail(models.StageExecution, models.ReasonExecution, "the query could not be executed")
}
