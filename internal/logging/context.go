package logging

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if owner := OwnerIDFromContext(ctx); owner != "" {
		fields = append(fields, zap.String("owner.id", owner))
	}
	if batch := BatchIDFromContext(ctx); batch != "" {
		fields = append(fields, zap.String("batch.id", batch))
	}
	if kind := JobKindFromContext(ctx); kind != "" {
		fields = append(fields, zap.String("job.kind", kind))
	}

	return fields
}

type requestCtxKey struct{}
type ownerCtxKey struct{}
type batchCtxKey struct{}
type jobKindCtxKey struct{}

const maxIDLen = 128

// cleanID returns id if it is safe to put in a log line, "" otherwise.
// Correlation values arrive from request headers, so they are never trusted.
func cleanID(id string) string {
	if id == "" || len(id) > maxIDLen || !utf8.ValidString(id) {
		return ""
	}
	if strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsControl(r) || unicode.IsSpace(r)
	}) >= 0 {
		return ""
	}
	return id
}

func withID(ctx context.Context, key any, id string) context.Context {
	if id = cleanID(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithRequestID adds the request ID to ctx. Invalid IDs are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	return idFrom(ctx, requestCtxKey{})
}

// WithOwnerID adds the owner (user) ID to ctx. Invalid IDs are ignored.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return withID(ctx, ownerCtxKey{}, ownerID)
}

// OwnerIDFromContext extracts the owner ID from ctx.
func OwnerIDFromContext(ctx context.Context) string {
	return idFrom(ctx, ownerCtxKey{})
}

// WithBatchID adds the upload batch ID to ctx. Invalid IDs are ignored.
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return withID(ctx, batchCtxKey{}, batchID)
}

// BatchIDFromContext extracts the upload batch ID from ctx.
func BatchIDFromContext(ctx context.Context) string {
	return idFrom(ctx, batchCtxKey{})
}

// WithJobKind adds the background job kind (ingest, cleanup) to ctx.
func WithJobKind(ctx context.Context, kind string) context.Context {
	return withID(ctx, jobKindCtxKey{}, kind)
}

// JobKindFromContext extracts the background job kind from ctx.
func JobKindFromContext(ctx context.Context) string {
	return idFrom(ctx, jobKindCtxKey{})
}
