// Package context carries request-scoped correlation values used by logging and tracing.
package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	subjectIDKey
	chargeIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithSubjectID records the authenticated buyer or admin.
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectIDKey, strings.TrimSpace(subjectID))
}

func SubjectIDFromContext(ctx context.Context) string {
	return stringValue(ctx, subjectIDKey)
}

func WithChargeID(ctx context.Context, chargeID string) context.Context {
	return context.WithValue(ctx, chargeIDKey, strings.TrimSpace(chargeID))
}

func ChargeIDFromContext(ctx context.Context) string {
	return stringValue(ctx, chargeIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
