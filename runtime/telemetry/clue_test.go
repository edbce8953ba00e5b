package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"
)

func TestFielders(t *testing.T) {
	got := fielders("stage completed", []any{"stage", "conversation", 42, "skipped", "transcript", "Agent: hi", "dangling"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "stage completed"},
		log.KV{K: "stage", V: "conversation"},
		log.KV{K: "transcript", V: redacted},
		log.KV{K: "dangling", V: nil},
	}, got)
}

func TestTagAttrs(t *testing.T) {
	require.Equal(t, []attribute.KeyValue{
		attribute.String("stage", "objections"),
		attribute.String("status", ""),
	}, tagAttrs([]string{"stage", "objections", "status"}))
}

func TestAttrs(t *testing.T) {
	got := attrs([]any{"n", 3, "ok", true, "elapsed", 2 * time.Second, "err", errors.New("boom"), "x", struct{ A int }{1}, "prompt", "secret"})
	require.Equal(t, []attribute.KeyValue{
		attribute.Int("n", 3),
		attribute.Bool("ok", true),
		attribute.Int64("elapsed_ms", 2000),
		attribute.String("err", "boom"),
		attribute.String("x", "{1}"),
		attribute.String("prompt", redacted),
	}, got)
}

func TestBundleWithDefaults(t *testing.T) {
	b := Bundle{Logger: NewClueLogger()}.WithDefaults()
	require.IsType(t, ClueLogger{}, b.Logger)
	require.Equal(t, Noop{}, b.Metrics)
	ctx := context.Background()
	got, span := b.Tracer.Start(ctx, "run")
	require.Equal(t, ctx, got)
	span.End()
}

func TestOTELMetricsReuseInstruments(t *testing.T) {
	m := NewClueMetrics().(*OTELMetrics)
	m.IncCounter("callanalysis.test", 1, "outcome", "ok")
	m.IncCounter("callanalysis.test", 1, "outcome", "ok")
	m.RecordTimer("callanalysis.test.duration", time.Millisecond)
	n := 0
	m.counters.Range(func(any, any) bool { n++; return true })
	require.Equal(t, 1, n)
	_, ok := m.histograms.Load("callanalysis.test.duration")
	require.True(t, ok)
}
