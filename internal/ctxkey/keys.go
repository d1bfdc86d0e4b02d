// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

import (
	"context"
	"log/slog"
)

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store the logger with the request_id field.
type LoggerKey struct{}

// Logger returns the logger stored under LoggerKey, or fallback.
func Logger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}

// ErrorContextKey is the context key type for fields attached to error log
// entries recorded while handling the context.
type ErrorContextKey struct{}

// WithErrorContext returns ctx carrying fields merged over any already
// present. Later keys win.
func WithErrorContext(ctx context.Context, fields map[string]any) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	parent := ErrorContext(ctx)
	merged := make(map[string]any, len(parent)+len(fields))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, ErrorContextKey{}, merged)
}

// ErrorContext returns the fields stored by WithErrorContext. The map must
// not be modified.
func ErrorContext(ctx context.Context) map[string]any {
	fields, _ := ctx.Value(ErrorContextKey{}).(map[string]any)
	return fields
}
