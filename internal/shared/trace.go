// Package shared holds cross-cutting helpers with no dependencies on the
// rest of the tree: context-carried identifiers and secret redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type passIDKey struct{}
type identityKey struct{}
type systemKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithPassID attaches a reconciliation pass id to the context.
func WithPassID(ctx context.Context, passID string) context.Context {
	return context.WithValue(ctx, passIDKey{}, passID)
}

// PassID extracts the pass id from context. Returns "" if absent.
func PassID(ctx context.Context) string {
	if v, ok := ctx.Value(passIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewPassID generates a new pass id.
func NewPassID() string {
	return uuid.NewString()
}

// WithIdentity attaches the internal identity currently being reconciled.
func WithIdentity(ctx context.Context, internalUUID string) context.Context {
	return context.WithValue(ctx, identityKey{}, internalUUID)
}

// Identity extracts the current internal identity. Returns "" if absent.
func Identity(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSystem attaches the external system currently being talked to.
func WithSystem(ctx context.Context, system string) context.Context {
	return context.WithValue(ctx, systemKey{}, system)
}

// System extracts the current external system. Returns "" if absent.
func System(ctx context.Context) string {
	if v, ok := ctx.Value(systemKey{}).(string); ok {
		return v
	}
	return ""
}
