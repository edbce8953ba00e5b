package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/callanalysis/runtime/telemetry"
	"goa.design/callanalysis/runtime/transcript"
)

type (
	// Orchestrator drives the six stages of a run. It is safe for concurrent
	// use: runs share no state.
	Orchestrator struct {
		stages       map[StageID]Stage
		stageTimeout time.Duration
		runTimeout   time.Duration
		tel          telemetry.Bundle
		now          func() time.Time
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)

	outcome struct {
		res StageResult
		err error
	}
)

// Default deadlines.
const (
	DefaultStageTimeout = 30 * time.Second
	DefaultRunTimeout   = 2 * time.Minute
)

// Metric names.
const (
	MetricStageCompleted = "callanalysis.stage.completed"
	MetricStageFailed    = "callanalysis.stage.failed"
	MetricStageDuration  = "callanalysis.stage.duration"
	MetricRunDuration    = "callanalysis.run.duration"
)

// WithStageTimeout sets the deadline of each stage.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

// WithRunTimeout sets the aggregate deadline of a run.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.runTimeout = d
		}
	}
}

// WithTelemetry sets the logger, metrics and tracer.
func WithTelemetry(b telemetry.Bundle) Option {
	return func(o *Orchestrator) { o.tel = b.WithDefaults() }
}

// WithClock sets the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns an Orchestrator running stages. Exactly one stage must be
// provided for each identifier in Order.
func New(stages []Stage, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		stages:       make(map[StageID]Stage, len(Order)),
		stageTimeout: DefaultStageTimeout,
		runTimeout:   DefaultRunTimeout,
		tel:          telemetry.Bundle{}.WithDefaults(),
		now:          time.Now,
	}
	for _, s := range stages {
		if s == nil {
			return nil, errors.New("nil stage")
		}
		id := s.ID()
		if !id.Valid() {
			return nil, fmt.Errorf("unknown stage %q", id)
		}
		if _, dup := o.stages[id]; dup {
			return nil, fmt.Errorf("duplicate stage %q", id)
		}
		o.stages[id] = s
	}
	for _, id := range Order {
		if _, ok := o.stages[id]; !ok {
			return nil, fmt.Errorf("missing stage %q", id)
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute runs the six stages in Order over req and returns the aggregated
// Result. Any stage failure aborts the run with a *StageExecutionError.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string, req transcript.Request) (*Result, error) {
	start := o.now()
	ctx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()
	ctx, span := o.tel.Tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	records := make([]StageRecord, len(Order))
	for i, id := range Order {
		records[i] = StageRecord{Stage: id, Status: StatusPending}
	}
	pc := NewContext(req)

	for i, id := range Order {
		rec := &records[i]
		rec.Status = StatusProcessing
		rec.StartedAt = o.now()
		res, err := o.runStage(ctx, id, Input{SessionID: sessionID, Request: req, Prior: pc.snapshot()})
		if err == nil {
			err = checkResult(id, res)
		}
		if err == nil {
			err = pc.set(res)
		}
		rec.EndedAt = o.now()
		rec.DurationMs = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
		rec.ElapsedMs = rec.EndedAt.Sub(start).Milliseconds()
		o.tel.Metrics.RecordTimer(MetricStageDuration, rec.EndedAt.Sub(rec.StartedAt), "stage", string(id))
		if err != nil {
			rec.Status = StatusFailed
			rec.Timeout = errors.Is(err, context.DeadlineExceeded)
			o.tel.Metrics.IncCounter(MetricStageFailed, 1, "stage", string(id))
			o.tel.Logger.Error(ctx, "stage failed", "stage", string(id), "session_id", sessionID, "timeout", rec.Timeout, "err", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "stage "+string(id)+" failed")
			return nil, &StageExecutionError{
				Stage:     id,
				Timeout:   rec.Timeout,
				Cause:     err,
				Records:   append([]StageRecord(nil), records...),
				Completed: pc.Analyses(),
			}
		}
		rec.Status = StatusCompleted
		if c, ok := res.(Confident); ok {
			v := c.Confidence()
			rec.Confidence = &v
		}
		o.tel.Metrics.IncCounter(MetricStageCompleted, 1, "stage", string(id))
	}

	analyses := pc.Analyses()
	end := o.now()
	o.tel.Metrics.RecordTimer(MetricRunDuration, end.Sub(start))
	o.tel.Logger.Debug(ctx, "pipeline completed", "session_id", sessionID, "duration", end.Sub(start))
	return &Result{
		SessionID:      sessionID,
		Timestamp:      start.UTC(),
		ProcessingTime: end.Sub(start).Milliseconds(),
		ExecutionOrder: ExecutionOrder(),
		Stages:         records,
		Analyses:       analyses,
		Summary:        Summarize(req, analyses),
	}, nil
}

// runStage runs one stage under the stage deadline. The stage runs in its
// own goroutine so that a stage ignoring ctx still cannot hold the run past
// the deadline.
func (o *Orchestrator) runStage(ctx context.Context, id StageID, in Input) (StageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	ctx, span := o.tel.Tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(attribute.String("stage", string(id))))
	defer span.End()

	stage := o.stages[id]
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("stage panicked: %v", r)}
			}
		}()
		res, err := stage.Run(ctx, in)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, "stage failed")
		}
		return out.res, out.err
	case <-ctx.Done():
		err := ctx.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage deadline")
		return nil, err
	}
}

func checkResult(id StageID, res StageResult) error {
	if res == nil || isNilPointer(res) {
		return fmt.Errorf("%w: stage returned no result", ErrMalformedResult)
	}
	if got := res.StageID(); got != id {
		return fmt.Errorf("%w: stage %q returned a %q result", ErrMalformedResult, id, got)
	}
	return res.Validate()
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
