package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Noop implements Logger, Metrics, Tracer and Span by doing nothing.
type Noop struct{}

// NewNoopLogger returns a Logger discarding messages.
func NewNoopLogger() Logger { return Noop{} }

// NewNoopMetrics returns a Metrics discarding measurements.
func NewNoopMetrics() Metrics { return Noop{} }

// NewNoopTracer returns a Tracer starting no-op spans.
func NewNoopTracer() Tracer { return Noop{} }

func (Noop) Debug(context.Context, string, ...any)        {}
func (Noop) Info(context.Context, string, ...any)         {}
func (Noop) Warn(context.Context, string, ...any)         {}
func (Noop) Error(context.Context, string, ...any)        {}
func (Noop) IncCounter(string, float64, ...string)        {}
func (Noop) RecordTimer(string, time.Duration, ...string) {}
func (Noop) End(...trace.SpanEndOption)                   {}
func (Noop) AddEvent(string, ...any)                      {}
func (Noop) SetStatus(codes.Code, string)                 {}
func (Noop) RecordError(error, ...trace.EventOption)      {}

// Start returns ctx unchanged and a no-op span.
func (n Noop) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, n
}
