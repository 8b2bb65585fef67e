package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/services"
)

type fakeEngine struct {
	RunFunc    func(ctx context.Context, query string) (models.Outcome, error)
	ResumeFunc func(ctx context.Context, token string, choices []models.DisambiguationChoice) (models.Outcome, error)
}

func (f *fakeEngine) Run(ctx context.Context, query string) (models.Outcome, error) {
	return f.RunFunc(ctx, query)
}

func (f *fakeEngine) Resume(ctx context.Context, token string, choices []models.DisambiguationChoice) (models.Outcome, error) {
	return f.ResumeFunc(ctx, token, choices)
}

type fakeAnswers struct {
	AnswerFunc func(ctx context.Context, question string, opts services.AnswerOptions) (*services.AnswerResult, error)
	ResumeFunc func(ctx context.Context, token string, choices []models.DisambiguationChoice, opts services.AnswerOptions) (*services.AnswerResult, error)
}

func (f *fakeAnswers) Answer(ctx context.Context, question string, opts services.AnswerOptions) (*services.AnswerResult, error) {
	return f.AnswerFunc(ctx, question, opts)
}

func (f *fakeAnswers) Resume(ctx context.Context, token string, choices []models.DisambiguationChoice, opts services.AnswerOptions) (*services.AnswerResult, error) {
	return f.ResumeFunc(ctx, token, choices, opts)
}

func newTestMux(engine services.NL2SQLEngine, answers services.AnswerService, sessions *ResumeSessions) *http.ServeMux {
	mux := http.NewServeMux()
	NewNL2SQLHandler(engine, answers, sessions, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func postJSON(t *testing.T, mux http.Handler, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func pausedOutcome() *models.NeedsDisambiguation {
	return &models.NeedsDisambiguation{
		Token: "sealed-token",
		Pending: []models.PendingDecision{{
			FilterIndex: 0,
			EntityType:  "teacher",
			RawValue:    "Joshi",
			Confidence:  models.ConfidenceLow,
			Candidates: []models.EntityMatch{
				{EntityID: "t-1", SurfaceForm: "Sujatha Joshi", SourceTable: "teachers", Similarity: 0.81},
				{EntityID: "t-2", SurfaceForm: "Ravi Joshi", SourceTable: "teachers", Similarity: 0.80},
			},
		}},
	}
}

func TestNL2SQLHandler_Translate(t *testing.T) {
	engine := &fakeEngine{RunFunc: func(ctx context.Context, query string) (models.Outcome, error) {
		assert.Equal(t, "Which classes are on Monday?", query)
		return &models.Resolved{Query: models.AssembledQuery{
			SQL:    "SELECT c.* FROM classes c WHERE c.day_of_week = $1 LIMIT $2",
			Params: []any{"Monday", 100},
		}}, nil
	}}

	rec := postJSON(t, newTestMux(engine, nil, nil), "/api/nl2sql", `{"question":" Which classes are on Monday? "}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope models.OutcomeEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Equal(t, models.OutcomeResolved, envelope.Status)
	require.NotNil(t, envelope.Query)
	assert.Contains(t, envelope.Query.SQL, "$1")
	assert.Len(t, envelope.Query.Params, 2)
}

func TestNL2SQLHandler_Translate_FailureIsAnOutcome(t *testing.T) {
	engine := &fakeEngine{RunFunc: func(ctx context.Context, query string) (models.Outcome, error) {
		return models.Fail(models.StageJoinResolution, models.ReasonNoJoinDefined, "no join between %s and %s", "subjects", "rooms"), nil
	}}

	rec := postJSON(t, newTestMux(engine, nil, nil), "/api/nl2sql", `{"question":"rooms per subject"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope models.OutcomeEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Equal(t, models.OutcomeFailed, envelope.Status)
	require.NotNil(t, envelope.Failure)
	assert.Equal(t, models.ReasonNoJoinDefined, envelope.Failure.Reason)
}

func TestNL2SQLHandler_BadRequests(t *testing.T) {
	mux := newTestMux(&fakeEngine{}, &fakeAnswers{}, nil)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode string
	}{
		{"malformed body", "/api/nl2sql", `{`, "invalid_request"},
		{"unknown field", "/api/ask", `{"query":"x"}`, "invalid_request"},
		{"blank question", "/api/ask", `{"question":"  "}`, "missing_question"},
		{"resume without token or session", "/api/ask/resume", `{"choices":[]}`, "missing_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, mux, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec)["error"])
		})
	}
}

func TestNL2SQLHandler_Ask(t *testing.T) {
	answers := &fakeAnswers{AnswerFunc: func(ctx context.Context, question string, opts services.AnswerOptions) (*services.AnswerResult, error) {
		assert.Equal(t, 2, opts.DocumentK)
		assert.Equal(t, 1, opts.MinAccessLevel)
		return &services.AnswerResult{
			Question: question,
			Answer:   "Physics Lab meets in B12.",
			Outcome:  &models.Resolved{},
			Rows:     []models.Row{models.NewRow([]string{"room"}, []any{"B12"})},
			Sources:  []string{"timetable.pdf"},
		}, nil
	}}

	rec := postJSON(t, newTestMux(nil, answers, nil), "/api/ask", `{"question":"Where is Physics Lab?","document_k":2,"access_level":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Physics Lab meets in B12.", resp.Answer)
	assert.Equal(t, models.OutcomeResolved, resp.Outcome.Status)
	assert.Equal(t, []string{"timetable.pdf"}, resp.Sources)
	require.Len(t, resp.Rows, 1)
}

func TestNL2SQLHandler_AskResumeUsesSessionToken(t *testing.T) {
	sessions := NewResumeSessions("test-secret", 30*time.Minute, false, nil)
	answers := &fakeAnswers{
		AnswerFunc: func(ctx context.Context, question string, opts services.AnswerOptions) (*services.AnswerResult, error) {
			return &services.AnswerResult{Question: question, Outcome: pausedOutcome()}, nil
		},
		ResumeFunc: func(ctx context.Context, token string, choices []models.DisambiguationChoice, opts services.AnswerOptions) (*services.AnswerResult, error) {
			assert.Equal(t, "sealed-token", token)
			assert.Equal(t, 2, opts.MinAccessLevel)
			require.Len(t, choices, 1)
			require.NotNil(t, choices[0].Choice)
			assert.Equal(t, 0, *choices[0].Choice)
			return &services.AnswerResult{Question: "Classes of Joshi?", Answer: "Two classes.", Outcome: &models.Resolved{}}, nil
		},
	}
	mux := newTestMux(nil, answers, sessions)

	rec := postJSON(t, mux, "/api/ask", `{"question":"Classes of Joshi?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var paused AskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&paused))
	assert.Equal(t, models.OutcomeNeedsDisambiguation, paused.Outcome.Status)
	require.Len(t, paused.Outcome.Pending, 1)
	assert.Len(t, paused.Outcome.Pending[0].Candidates, 2)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies, "pending token is kept in the session")

	rec = postJSON(t, mux, "/api/ask/resume", `{"choices":[{"filter_index":0,"choice":0}],"access_level":2}`, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)

	var done AskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&done))
	assert.Equal(t, "Two classes.", done.Answer)
}

// crowdedOutcome pauses on two filters with five candidates each, which seals
// into a token too large for a cookie.
func crowdedOutcome() *models.NeedsDisambiguation {
	out := &models.NeedsDisambiguation{Token: strings.Repeat("q", 5000)}
	for i, raw := range []string{"Joshi", "Physics"} {
		p := models.PendingDecision{FilterIndex: i, EntityType: "teacher", RawValue: raw, Confidence: models.ConfidenceLow}
		for c := 0; c < 5; c++ {
			p.Candidates = append(p.Candidates, models.EntityMatch{
				EntityID: fmt.Sprintf("t-%d-%d", i, c), SurfaceForm: raw, SourceTable: "teachers", Similarity: 0.8,
			})
		}
		out.Pending = append(out.Pending, p)
	}
	return out
}

type memoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *memoryTokenStore) Put(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = make(map[string]string)
	}
	ref := fmt.Sprintf("ref-%d", len(m.tokens))
	m.tokens[ref] = token
	return ref, nil
}

func (m *memoryTokenStore) Get(ctx context.Context, ref string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[ref]
	return token, ok, nil
}

func TestNL2SQLHandler_OversizedTokenForgetsPreviousQuestion(t *testing.T) {
	calls := 0
	engine := &fakeEngine{
		RunFunc: func(ctx context.Context, query string) (models.Outcome, error) {
			calls++
			if calls == 1 {
				return pausedOutcome(), nil
			}
			return crowdedOutcome(), nil
		},
		ResumeFunc: func(ctx context.Context, token string, choices []models.DisambiguationChoice) (models.Outcome, error) {
			t.Fatalf("resumed with a token the caller no longer holds: %.20s", token)
			return nil, nil
		},
	}
	mux := newTestMux(engine, nil, NewResumeSessions("test-secret", 30*time.Minute, false, nil))

	rec := postJSON(t, mux, "/api/nl2sql", `{"question":"Classes of Joshi?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	first := rec.Result().Cookies()
	require.NotEmpty(t, first)

	rec = postJSON(t, mux, "/api/nl2sql", `{"question":"Which Joshi teaches which Physics?"}`, first...)
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope models.OutcomeEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Len(t, envelope.Token, 5000, "the body still carries the token")
	second := rec.Result().Cookies()
	require.NotEmpty(t, second, "the session is rewritten even when the token does not fit")

	rec = postJSON(t, mux, "/api/nl2sql/resume", `{"choices":[{"filter_index":0,"choice":0},{"filter_index":1,"skip":true}]}`, second...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_token", decodeError(t, rec)["error"])
}

func TestNL2SQLHandler_ResumeTokenStoreKeepsLargeTokens(t *testing.T) {
	paused := crowdedOutcome()
	engine := &fakeEngine{
		RunFunc: func(ctx context.Context, query string) (models.Outcome, error) {
			return paused, nil
		},
		ResumeFunc: func(ctx context.Context, token string, choices []models.DisambiguationChoice) (models.Outcome, error) {
			assert.Equal(t, paused.Token, token)
			require.Len(t, choices, 2)
			return &models.Resolved{}, nil
		},
	}
	store := &memoryTokenStore{}
	mux := newTestMux(engine, nil, NewResumeSessions("test-secret", 30*time.Minute, false, store))

	rec := postJSON(t, mux, "/api/nl2sql", `{"question":"Which Joshi teaches which Physics?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Less(t, len(cookies[0].Value), 1000, "the cookie carries a reference, not the token")
	assert.Len(t, store.tokens, 1)

	rec = postJSON(t, mux, "/api/nl2sql/resume", `{"choices":[{"filter_index":0,"choice":4},{"filter_index":1,"skip":true}]}`, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope models.OutcomeEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Equal(t, models.OutcomeResolved, envelope.Status)
}

func TestNL2SQLHandler_TranslateResumeWithExplicitToken(t *testing.T) {
	engine := &fakeEngine{ResumeFunc: func(ctx context.Context, token string, choices []models.DisambiguationChoice) (models.Outcome, error) {
		assert.Equal(t, "explicit", token)
		require.Len(t, choices, 1)
		assert.True(t, choices[0].Skip)
		return &models.Resolved{}, nil
	}}

	rec := postJSON(t, newTestMux(engine, nil, nil), "/api/nl2sql/resume", `{"token":"explicit","choices":[{"filter_index":0,"skip":true}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNL2SQLHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid token", apperrors.ErrInvalidToken, http.StatusBadRequest, "invalid_token"},
		{"invalid choice", apperrors.ErrInvalidChoice, http.StatusBadRequest, "invalid_choice"},
		{"llm down", &llm.Error{Type: llm.ErrorTypeEndpoint, Message: "down"}, http.StatusBadGateway, "collaborator_unavailable"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, "request_cancelled"},
		{"other", errors.New("pool closed"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answers := &fakeAnswers{AnswerFunc: func(ctx context.Context, question string, opts services.AnswerOptions) (*services.AnswerResult, error) {
				return nil, tt.err
			}}
			rec := postJSON(t, newTestMux(nil, answers, nil), "/api/ask", `{"question":"q"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec)["error"])
		})
	}
}
