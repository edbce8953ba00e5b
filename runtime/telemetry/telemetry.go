// Package telemetry integrates analysis runs with Clue logging and
// OpenTelemetry tracing and metrics.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used by the pipeline and the protocol
// adapter. Implementations typically delegate to Clue; tests use NoopLogger.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// Tracer abstracts span creation so callers remain agnostic of the
// configured OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Bundle groups the three telemetry facets so constructors take a single
// argument. Zero fields are replaced by no-op implementations.
type Bundle struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// WithDefaults returns a copy of b where nil facets are no-ops.
func (b Bundle) WithDefaults() Bundle {
	if b.Logger == nil {
		b.Logger = NewNoopLogger()
	}
	if b.Metrics == nil {
		b.Metrics = NewNoopMetrics()
	}
	if b.Tracer == nil {
		b.Tracer = NewNoopTracer()
	}
	return b
}

// NewClue returns a Bundle backed by Clue logging and the global OTEL
// providers.
func NewClue() Bundle {
	return Bundle{
		Logger:  NewClueLogger(),
		Metrics: NewClueMetrics(),
		Tracer:  NewClueTracer(),
	}
}
