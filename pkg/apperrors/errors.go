package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidPlan marks a plan that violates the planner contract
	// (missing column hint, unknown table, unsupported operator).
	ErrInvalidPlan = errors.New("invalid query plan")

	ErrUnresolvedColumn  = errors.New("column could not be resolved")
	ErrNoJoinDefined     = errors.New("no join defined")
	ErrReadOnlyViolation = errors.New("only SELECT statements may be executed")

	// ErrAmbiguityPending is returned when SQL is requested for a plan that
	// still has filters awaiting a disambiguation choice.
	ErrAmbiguityPending = errors.New("entity disambiguation pending")
	ErrInvalidChoice    = errors.New("invalid disambiguation choice")
	ErrInvalidToken     = errors.New("invalid or expired resume token")
	ErrCredentialsKey   = errors.New("resume token key must be 32 bytes, base64 encoded")
)
