package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrorType classifies a collaborator failure.
type ErrorType string

const (
	ErrorTypeEndpoint ErrorType = "endpoint"
	ErrorTypeAuth     ErrorType = "auth"
	ErrorTypeModel    ErrorType = "model"
	ErrorTypeRate     ErrorType = "rate_limit"
	ErrorTypeCircuit  ErrorType = "circuit_open"
	ErrorTypeUnknown  ErrorType = "unknown"
)

// Error represents a structured LLM or embedding error with classification.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	Cause      error
	StatusCode int
	Model      string
	Endpoint   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{string(e.Type)}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements retry.RetryableError.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a new structured error.
func NewError(errType ErrorType, message string, retryable bool, cause error) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

type classification struct {
	errType   ErrorType
	message   string
	retryable bool
}

func byStatus(code int) (classification, bool) {
	switch {
	case code == 401 || code == 403:
		return classification{ErrorTypeAuth, "authentication failed", false}, true
	case code == 404:
		return classification{ErrorTypeEndpoint, "endpoint or model not found", false}, true
	case code == 429:
		return classification{ErrorTypeRate, "rate limited", true}, true
	case code >= 500:
		return classification{ErrorTypeEndpoint, "server error", true}, true
	case code >= 400:
		return classification{ErrorTypeModel, "request rejected", false}, true
	}
	return classification{}, false
}

// messageRules are checked in order; the first match wins.
var messageRules = []struct {
	needles []string
	class   classification
}{
	{[]string{"401", "unauthorized", "invalid api key", "invalid x-api-key"}, classification{ErrorTypeAuth, "authentication failed", false}},
	{[]string{"model_not_found", "model not found", "does not exist"}, classification{ErrorTypeModel, "model not found", false}},
	{[]string{"404"}, classification{ErrorTypeEndpoint, "endpoint not found", false}},
	{[]string{"connection refused", "no such host", "connection reset", "eof"}, classification{ErrorTypeEndpoint, "connection failed", true}},
	{[]string{"timeout", "deadline exceeded"}, classification{ErrorTypeEndpoint, "request timeout", true}},
	{[]string{"429", "rate limit", "overloaded"}, classification{ErrorTypeRate, "rate limited", true}},
	{[]string{"500", "502", "503", "504", "529"}, classification{ErrorTypeEndpoint, "server error", true}},
}

// ClassifyError categorizes an error and returns a structured Error.
// Caller cancellation is never retryable.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	if errors.Is(err, context.Canceled) {
		return NewError(ErrorTypeUnknown, "request canceled", false, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if c, ok := byStatus(apiErr.HTTPStatusCode); ok {
			e := NewError(c.errType, c.message, c.retryable, err)
			e.StatusCode = apiErr.HTTPStatusCode
			return e
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if c, ok := byStatus(reqErr.HTTPStatusCode); ok {
			e := NewError(c.errType, c.message, c.retryable, err)
			e.StatusCode = reqErr.HTTPStatusCode
			return e
		}
	}

	lower := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return NewError(rule.class.errType, rule.class.message, rule.class.retryable, err)
			}
		}
	}

	return NewError(ErrorTypeUnknown, "llm error", false, err)
}

// IsRetryable returns true if the error is a retryable *Error.
func IsRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// GetErrorType extracts the ErrorType from an error.
func GetErrorType(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}
