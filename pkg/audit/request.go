package audit

import (
	"context"

	"github.com/google/uuid"
)

type requestInfoKey struct{}

// RequestInfo identifies the caller behind a security event.
type RequestInfo struct {
	RequestID uuid.UUID
	SessionID string
	ClientIP  string
}

// WithRequestInfo attaches info to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the attached info, or the zero value.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}
