package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
)

// ErrorResponse represents a structured error in tool results.
// This is used to return actionable error information to the client
// as a successful tool result, ensuring error details are visible
// rather than being swallowed by the MCP client.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for recoverable/actionable errors the client can fix
// (invalid parameters, expired resume token).
//
// Do NOT use this for system failures (database connection errors,
// cancelled requests) - those should still return Go errors.
//
// Example:
//
//	if question == "" {
//	    return NewErrorResult("invalid_parameters", "parameter 'question' cannot be empty"), nil
//	}
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
//
// Example:
//
//	return NewErrorResultWithDetails(
//	    "invalid_parameters",
//	    "unknown entity type",
//	    map[string]any{"expected": []string{"teacher", "subject"}, "actual": "student"},
//	), nil
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// HandleServiceError converts a service error into a tool result when the
// client can act on it. It returns nil for infrastructure failures, which
// the caller should return as a Go error.
func HandleServiceError(err error) *mcp.CallToolResult {
	var llmErr *llm.Error
	switch {
	case errors.Is(err, apperrors.ErrInvalidToken):
		return NewErrorResult("invalid_token", "the resume token is invalid or expired; ask the question again")
	case errors.Is(err, apperrors.ErrInvalidChoice):
		return NewErrorResult("invalid_choice", err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("not_found", err.Error())
	case errors.As(err, &llmErr):
		return NewErrorResult("collaborator_unavailable", "the language model service is unavailable, try again later")
	}
	return nil
}
