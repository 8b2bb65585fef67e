// Package tools provides MCP tool implementations for ekaya-nl2sql.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/services"
)

// NL2SQLToolDeps contains dependencies for the question answering tools.
type NL2SQLToolDeps struct {
	Answers    services.AnswerService
	Entities   services.EntityResolver
	Registry   *schema.Registry
	Cutoff     services.CutoffOptions
	Confidence services.ConfidencePolicy
	Logger     *zap.Logger
}

// RegisterNL2SQLTools registers ask_database and resolve_entities.
func RegisterNL2SQLTools(s *server.MCPServer, deps *NL2SQLToolDeps) {
	registerAskDatabaseTool(s, deps)
	registerResolveEntitiesTool(s, deps)
}

type askDatabaseResult struct {
	Question string                 `json:"question,omitempty"`
	Answer   string                 `json:"answer,omitempty"`
	Outcome  models.OutcomeEnvelope `json:"outcome"`
	Rows     []models.Row           `json:"rows,omitempty"`
	RowCount int                    `json:"row_count"`
	Sources  []string               `json:"sources,omitempty"`
	NextStep string                 `json:"next_step,omitempty"`
}

func registerAskDatabaseTool(s *server.MCPServer, deps *NL2SQLToolDeps) {
	tool := mcp.NewTool(
		"ask_database",
		mcp.WithDescription(
			"Answer a natural-language question about classes, teachers and subjects. "+
				"The question is translated to read-only SQL, executed, and combined with reference documents. "+
				"When a name matches several records the result has outcome.status='needs_disambiguation' with a token "+
				"and candidate lists; call again with that token and one choice per pending filter "+
				"(choice = candidate index, or skip=true to fall back to text matching).",
		),
		mcp.WithString(
			"question",
			mcp.Description("The question to answer (e.g., 'What classes does Sujatha Joshi take on Monday?'). Required unless token is given."),
		),
		mcp.WithString(
			"token",
			mcp.Description("Optional - resume token from a needs_disambiguation outcome"),
		),
		mcp.WithArray(
			"choices",
			mcp.Description("Optional - with token: one object per pending filter, {\"filter_index\": 0, \"choice\": 1} or {\"filter_index\": 0, \"skip\": true}"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithNumber(
			"document_k",
			mcp.Description("Optional - number of reference documents to consult. 0 uses the server default, negative disables documents"),
		),
		mcp.WithNumber(
			"access_level",
			mcp.Description("Optional - only consult reference documents at or above this access level (default 0, all documents)"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question := trimString(getOptionalString(req, "question"))
		token := trimString(getOptionalString(req, "token"))

		docK, _, err := getOptionalInt(req, "document_k")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		level, _, err := getOptionalInt(req, "access_level")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		if level < 0 {
			return NewErrorResult("invalid_parameters", "parameter 'access_level' cannot be negative"), nil
		}
		opts := services.AnswerOptions{DocumentK: docK, MinAccessLevel: level}

		var answer *services.AnswerResult
		if token != "" {
			var choices []models.DisambiguationChoice
			if _, err := decodeArgument(req, "choices", &choices); err != nil {
				return NewErrorResult("invalid_parameters", err.Error()), nil
			}
			answer, err = deps.Answers.Resume(ctx, token, choices, opts)
		} else {
			if question == "" {
				return NewErrorResult("invalid_parameters", "parameter 'question' cannot be empty"), nil
			}
			answer, err = deps.Answers.Answer(ctx, question, opts)
		}
		if err != nil {
			deps.Logger.Error("ask_database failed", zap.Bool("resume", token != ""), zap.Error(err))
			if result := HandleServiceError(err); result != nil {
				return result, nil
			}
			return nil, err
		}

		res := askDatabaseResult{
			Question: answer.Question,
			Answer:   answer.Answer,
			Outcome:  models.Envelope(answer.Outcome),
			Rows:     answer.Rows,
			RowCount: len(answer.Rows),
			Sources:  answer.Sources,
		}
		if answer.NeedsDisambiguation() {
			deps.Logger.Debug("ask_database paused for disambiguation", zap.Int("pending", len(res.Outcome.Pending)))
			res.NextStep = "Show the candidates to the user, then call ask_database with the token and their choices."
		}

		jsonResult, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

type entityResolutionResult struct {
	SurfaceForm string               `json:"surface_form"`
	Confidence  models.Confidence    `json:"confidence"`
	Candidates  []models.EntityMatch `json:"candidates"`
}

func registerResolveEntitiesTool(s *server.MCPServer, deps *NL2SQLToolDeps) {
	tool := mcp.NewTool(
		"resolve_entities",
		mcp.WithDescription(
			"Look up catalog records for names as a user would type them. "+
				"Returns candidates per name ordered by similarity, one per record, with a confidence of high, medium, low or none.",
		),
		mcp.WithString(
			"entity_type",
			mcp.Required(),
			mcp.Description("Entity type to search (e.g., 'teacher', 'subject', 'class')"),
		),
		mcp.WithArray(
			"surface_forms",
			mcp.Required(),
			mcp.Description("Names to resolve (e.g., ['Sujatha', 'Dr. Joshi'])"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entityType, err := req.RequireString("entity_type")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		entityType = trimString(entityType)
		if _, ok := deps.Registry.TableForEntityType(entityType); !ok {
			var expected []string
			for _, t := range deps.Registry.EntityTables() {
				expected = append(expected, t.EntityType)
			}
			return NewErrorResultWithDetails(
				"invalid_parameters",
				"unknown entity type",
				map[string]any{"parameter": "entity_type", "expected": expected, "actual": entityType},
			), nil
		}

		var forms []string
		if _, err := decodeArgument(req, "surface_forms", &forms); err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		queries := make([]models.EntityQuery, 0, len(forms))
		for _, f := range forms {
			if f = trimString(f); f != "" {
				queries = append(queries, models.EntityQuery{EntityType: entityType, SurfaceForm: f})
			}
		}
		if len(queries) == 0 {
			return NewErrorResult("invalid_parameters", "parameter 'surface_forms' must contain at least one name"), nil
		}

		resolutions, err := deps.Entities.Resolve(ctx, queries, deps.Cutoff)
		if err != nil {
			if result := HandleServiceError(err); result != nil {
				return result, nil
			}
			return nil, err
		}

		out := make([]entityResolutionResult, len(resolutions))
		for i, r := range resolutions {
			out[i] = entityResolutionResult{
				SurfaceForm: r.SurfaceForm,
				Confidence:  deps.Confidence.Classify(r.Resolved),
				Candidates:  services.DedupByEntity(r.Resolved),
			}
		}

		jsonResult, err := json.Marshal(map[string]any{"entity_type": entityType, "results": out})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}
