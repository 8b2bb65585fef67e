package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/services"
)

// QuestionRequest is the body of POST /api/nl2sql and POST /api/ask.
type QuestionRequest struct {
	Question  string `json:"question"`
	DocumentK int    `json:"document_k,omitempty"`
	// AccessLevel hides reference documents below this access level.
	AccessLevel int `json:"access_level,omitempty"`
}

// ResumeRequest is the body of the resume endpoints. Token may be omitted
// when the caller's session holds one.
type ResumeRequest struct {
	Token       string                        `json:"token,omitempty"`
	Choices     []models.DisambiguationChoice `json:"choices"`
	DocumentK   int                           `json:"document_k,omitempty"`
	AccessLevel int                           `json:"access_level,omitempty"`
}

// AskResponse is the body returned by the ask endpoints.
type AskResponse struct {
	Question  string                 `json:"question"`
	Answer    string                 `json:"answer,omitempty"`
	Outcome   models.OutcomeEnvelope `json:"outcome"`
	Rows      []models.Row           `json:"rows,omitempty"`
	Documents []models.DocumentChunk `json:"documents,omitempty"`
	Sources   []string               `json:"sources,omitempty"`
}

// NL2SQLHandler serves question translation and answering.
type NL2SQLHandler struct {
	engine   services.NL2SQLEngine
	answers  services.AnswerService
	sessions *ResumeSessions
	logger   *zap.Logger
}

// NewNL2SQLHandler creates a new NL2SQLHandler. sessions may be nil, in
// which case resume calls must carry their token.
func NewNL2SQLHandler(engine services.NL2SQLEngine, answers services.AnswerService, sessions *ResumeSessions, logger *zap.Logger) *NL2SQLHandler {
	return &NL2SQLHandler{
		engine:   engine,
		answers:  answers,
		sessions: sessions,
		logger:   logger.Named("nl2sql_handler"),
	}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *NL2SQLHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/nl2sql", h.Translate)
	mux.HandleFunc("POST /api/nl2sql/resume", h.TranslateResume)
	mux.HandleFunc("POST /api/ask", h.Ask)
	mux.HandleFunc("POST /api/ask/resume", h.AskResume)
}

// Translate handles POST /api/nl2sql. It returns the outcome envelope with
// the assembled SQL and parameters; nothing is executed.
func (h *NL2SQLHandler) Translate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseQuestion(w, r)
	if !ok {
		return
	}

	outcome, err := h.engine.Run(r.Context(), req.Question)
	if err != nil {
		h.writeServiceError(w, "translate", err)
		return
	}
	h.rememberToken(w, r, outcome)

	if err := WriteJSON(w, http.StatusOK, models.Envelope(outcome)); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// TranslateResume handles POST /api/nl2sql/resume.
func (h *NL2SQLHandler) TranslateResume(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseResume(w, r)
	if !ok {
		return
	}

	outcome, err := h.engine.Resume(r.Context(), req.Token, req.Choices)
	if err != nil {
		h.writeServiceError(w, "translate_resume", err)
		return
	}
	h.rememberToken(w, r, outcome)

	if err := WriteJSON(w, http.StatusOK, models.Envelope(outcome)); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Ask handles POST /api/ask.
func (h *NL2SQLHandler) Ask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseQuestion(w, r)
	if !ok {
		return
	}

	result, err := h.answers.Answer(r.Context(), req.Question, services.AnswerOptions{DocumentK: req.DocumentK, MinAccessLevel: req.AccessLevel})
	if err != nil {
		h.writeServiceError(w, "ask", err)
		return
	}
	h.writeAnswer(w, r, result)
}

// AskResume handles POST /api/ask/resume.
func (h *NL2SQLHandler) AskResume(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseResume(w, r)
	if !ok {
		return
	}

	result, err := h.answers.Resume(r.Context(), req.Token, req.Choices, services.AnswerOptions{DocumentK: req.DocumentK, MinAccessLevel: req.AccessLevel})
	if err != nil {
		h.writeServiceError(w, "ask_resume", err)
		return
	}
	h.writeAnswer(w, r, result)
}

func (h *NL2SQLHandler) writeAnswer(w http.ResponseWriter, r *http.Request, result *services.AnswerResult) {
	h.rememberToken(w, r, result.Outcome)

	response := AskResponse{
		Question:  result.Question,
		Answer:    result.Answer,
		Outcome:   models.Envelope(result.Outcome),
		Rows:      result.Rows,
		Documents: result.Documents,
		Sources:   result.Sources,
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *NL2SQLHandler) parseQuestion(w http.ResponseWriter, r *http.Request) (*QuestionRequest, bool) {
	var req QuestionRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return nil, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		h.writeError(w, http.StatusBadRequest, "missing_question", "Question is required")
		return nil, false
	}
	return &req, true
}

func (h *NL2SQLHandler) parseResume(w http.ResponseWriter, r *http.Request) (*ResumeRequest, bool) {
	var req ResumeRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return nil, false
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" && h.sessions != nil {
		req.Token = h.sessions.Token(r)
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "missing_token", "No pending question to resume")
		return nil, false
	}
	return &req, true
}

// rememberToken keeps the caller's session in step with the outcome: a pause
// stores its token, anything else clears it.
func (h *NL2SQLHandler) rememberToken(w http.ResponseWriter, r *http.Request, outcome models.Outcome) {
	if h.sessions == nil {
		return
	}
	var err error
	if pending, ok := outcome.(*models.NeedsDisambiguation); ok {
		err = h.sessions.Save(w, r, pending.Token)
	} else {
		err = h.sessions.Clear(w, r)
	}
	if err != nil {
		// Save forgets the previous token on failure; the caller must send the
		// token from the response body to resume.
		h.logger.Warn("Failed to update resume session", zap.Error(err))
	}
}

func (h *NL2SQLHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var llmErr *llm.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Info("Request ended before completion", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "request_cancelled", "The request was cancelled")
	case errors.Is(err, apperrors.ErrInvalidToken):
		h.writeError(w, http.StatusBadRequest, "invalid_token", "The resume token is invalid or expired")
	case errors.Is(err, apperrors.ErrInvalidChoice):
		h.writeError(w, http.StatusBadRequest, "invalid_choice", err.Error())
	case errors.As(err, &llmErr):
		h.logger.Error("Language model unavailable", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "collaborator_unavailable", "The language model service is unavailable")
	default:
		h.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process the question")
	}
}

func (h *NL2SQLHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
