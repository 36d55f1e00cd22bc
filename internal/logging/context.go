package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type unitCtxKey struct{}
type stageCtxKey struct{}
type attemptCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from ctx: trace ids plus the unit,
// stage and delivery attempt the caller is working on.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

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
	if unit := UnitFromContext(ctx); unit != "" {
		fields = append(fields, zap.String("unit.id", unit))
	}
	if stage, ok := ctx.Value(stageCtxKey{}).(string); ok && stage != "" {
		fields = append(fields, zap.String("unit.stage", stage))
	}
	if attempt, ok := ctx.Value(attemptCtxKey{}).(int); ok {
		fields = append(fields, zap.Int("task.attempt", attempt))
	}
	return fields
}

// WithUnit tags ctx with the work unit being processed.
func WithUnit(ctx context.Context, unitID string) context.Context {
	return context.WithValue(ctx, unitCtxKey{}, unitID)
}

// UnitFromContext returns the unit id set by WithUnit, or "".
func UnitFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(unitCtxKey{}).(string); ok {
		return u
	}
	return ""
}

// WithStage tags ctx with the pipeline stage being executed.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, stage)
}

// WithAttempt tags ctx with the zero-based delivery attempt.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptCtxKey{}, attempt)
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger stored by WithLogger, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
