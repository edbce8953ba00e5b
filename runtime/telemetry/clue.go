package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const instrumentationName = "goa.design/callanalysis"

// redacted replaces the value of sensitive log keys.
const redacted = "[redacted]"

// sensitiveKeys never reach the log or span attributes with their value.
var sensitiveKeys = map[string]bool{
	"transcript": true,
	"prompt":     true,
	"completion": true,
	"api_key":    true,
}

type (
	// ClueLogger logs through goa.design/clue/log. Format and debug level
	// come from the context set up with log.Context.
	ClueLogger struct{}

	// OTELMetrics records counters and timers with the global meter
	// provider. Instruments are created once per name.
	OTELMetrics struct {
		meter      metric.Meter
		counters   sync.Map // name -> metric.Float64Counter
		histograms sync.Map // name -> metric.Float64Histogram
	}

	// OTELTracer starts spans with the global tracer provider.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		trace.Span
	}
)

// NewClueLogger returns a Logger backed by Clue.
func NewClueLogger() Logger { return ClueLogger{} }

// NewClueMetrics returns a Metrics backed by the global OTEL meter provider.
func NewClueMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter(instrumentationName)}
}

// NewClueTracer returns a Tracer backed by the global OTEL tracer provider.
func NewClueTracer() Tracer {
	return &OTELTracer{tracer: otel.Tracer(instrumentationName)}
}

// Debug implements Logger.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info implements Logger.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn implements Logger.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error implements Logger. An "err" key is logged as the clue error.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	rest := make([]any, 0, len(keyvals))
	pairs(keyvals, func(k string, v any) {
		if e, ok := v.(error); ok && k == "err" && err == nil {
			err = e
			return
		}
		rest = append(rest, k, v)
	})
	log.Error(ctx, err, fielders(msg, rest)...)
}

// IncCounter implements Metrics.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters.Load(name)
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		c, _ = m.counters.LoadOrStore(name, created)
	}
	c.(metric.Float64Counter).Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer implements Metrics. Durations are recorded in seconds.
func (m *OTELMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	h, ok := m.histograms.Load(name)
	if !ok {
		created, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			return
		}
		h, _ = m.histograms.LoadOrStore(name, created)
	}
	h.(metric.Float64Histogram).Record(context.Background(), d.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// Start implements Tracer.
func (t *OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, otelSpan{span}
}

func (s otelSpan) End(opts ...trace.SpanEndOption) { s.Span.End(opts...) }

func (s otelSpan) AddEvent(name string, keyvals ...any) {
	s.Span.AddEvent(name, trace.WithAttributes(attrs(keyvals)...))
}

func (s otelSpan) SetStatus(code codes.Code, description string) { s.Span.SetStatus(code, description) }

func (s otelSpan) RecordError(err error, opts ...trace.EventOption) { s.Span.RecordError(err, opts...) }

// pairs calls fn for each key/value pair of keyvals. Pairs with a non-string
// key are dropped; a trailing key gets a nil value. Sensitive values are
// replaced.
func pairs(keyvals []any, fn func(k string, v any)) {
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		if sensitiveKeys[k] && v != nil {
			v = redacted
		}
		fn(k, v)
	}
}

func fielders(msg string, keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 0, 1+len(keyvals)/2)
	out = append(out, log.KV{K: "msg", V: msg})
	pairs(keyvals, func(k string, v any) { out = append(out, log.KV{K: k, V: v}) })
	return out
}

func tagAttrs(tags []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		var v string
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		out = append(out, attribute.String(tags[i], v))
	}
	return out
}

func attrs(keyvals []any) []attribute.KeyValue {
	var out []attribute.KeyValue
	pairs(keyvals, func(k string, v any) {
		switch val := v.(type) {
		case nil:
			out = append(out, attribute.String(k, ""))
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case time.Duration:
			out = append(out, attribute.Int64(k+"_ms", val.Milliseconds()))
		case error:
			out = append(out, attribute.String(k, val.Error()))
		case fmt.Stringer:
			out = append(out, attribute.String(k, val.String()))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	})
	return out
}
