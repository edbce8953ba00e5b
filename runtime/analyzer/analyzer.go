// Package analyzer admits analysis requests and runs them through the
// pipeline.
//
// Admission is ordered: the caller session is touched (unknown or idle
// sessions are rejected), the session quota is checked, the raw arguments are
// validated, the session is charged and only then does the orchestrator run.
// Validation and quota failures are terminal: no stage runs. A charge is never
// refunded, including when the caller cancels the run.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/callanalysis/runtime/audit"
	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/session"
	"goa.design/callanalysis/runtime/telemetry"
	"goa.design/callanalysis/runtime/transcript"
)

type (
	// Runner executes the analysis pipeline. *pipeline.Orchestrator
	// implements Runner.
	Runner interface {
		Execute(ctx context.Context, sessionID string, req transcript.Request) (*pipeline.Result, error)
	}

	// Analyzer is the admission façade shared by every transport. It is safe
	// for concurrent use.
	Analyzer struct {
		validator *transcript.Validator
		sessions  session.Registry
		runner    Runner
		sink      audit.Sink
		tel       telemetry.Bundle
	}

	// Option configures an Analyzer.
	Option func(*Analyzer)

	// Outcome is the result of an admitted and completed analysis.
	Outcome struct {
		// Result is the pipeline result.
		Result *pipeline.Result
		// Warnings lists the business rules that fired without rejecting the
		// request.
		Warnings []transcript.Warning
		// Session is the session state after the charge.
		Session session.Session
	}
)

// Metric names.
const (
	MetricAnalyses = "callanalysis.analyses"
)

// Admission outcomes reported on MetricAnalyses.
const (
	outcomeCompleted = "completed"
	outcomeRejected  = "rejected"
	outcomeQuota     = "quota"
	outcomeExpired   = "expired"
	outcomeFailed    = "failed"
)

// WithAuditSink sets the sink receiving session, quota and pipeline events.
func WithAuditSink(s audit.Sink) Option {
	return func(a *Analyzer) {
		if s != nil {
			a.sink = s
		}
	}
}

// WithTelemetry sets the logger, metrics and tracer.
func WithTelemetry(b telemetry.Bundle) Option {
	return func(a *Analyzer) { a.tel = b.WithDefaults() }
}

// New returns an Analyzer admitting requests validated by v against the
// sessions of reg and running them with r.
func New(v *transcript.Validator, reg session.Registry, r Runner, opts ...Option) (*Analyzer, error) {
	if v == nil {
		return nil, errors.New("validator is required")
	}
	if reg == nil {
		return nil, errors.New("session registry is required")
	}
	if r == nil {
		return nil, errors.New("pipeline runner is required")
	}
	a := &Analyzer{
		validator: v,
		sessions:  reg,
		runner:    r,
		sink:      audit.Discard(),
		tel:       telemetry.Bundle{}.WithDefaults(),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Quota returns the number of analyses admitted per session.
func (a *Analyzer) Quota() int { return a.sessions.Quota() }

// CreateSession issues a new caller session.
func (a *Analyzer) CreateSession(ctx context.Context) (session.Session, error) {
	s, err := a.sessions.Create(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	ctx = audit.WithSession(ctx, s.ID)
	a.record(ctx, audit.NewEvent(ctx, audit.EventSessionCreated))
	a.tel.Logger.Debug(ctx, "session created", "session_id", s.ID)
	return s, nil
}

// Session touches and returns the session identified by id. It returns an
// error wrapping session.ErrNotFound when the session is unknown or expired.
func (a *Analyzer) Session(ctx context.Context, id string) (session.Session, error) {
	ctx = audit.WithSession(ctx, id)
	s, ok, err := a.sessions.Touch(ctx, id)
	if err != nil {
		return session.Session{}, fmt.Errorf("touch session: %w", err)
	}
	if !ok {
		a.record(ctx, audit.NewEvent(ctx, audit.EventSessionExpired))
		return session.Session{}, fmt.Errorf("session %q: %w", redact(id), session.ErrNotFound)
	}
	return s, nil
}

// Analyze admits the raw tool arguments on behalf of session sessionID and
// runs the pipeline. It returns:
//   - an error wrapping session.ErrNotFound when the session is unknown or
//     expired;
//   - a *QuotaExceededError when the session used its quota, whether or not
//     the arguments are valid;
//   - a *transcript.ValidationError when the arguments are invalid;
//   - a *pipeline.StageExecutionError when a stage failed.
func (a *Analyzer) Analyze(ctx context.Context, sessionID string, raw json.RawMessage) (*Outcome, error) {
	ctx = audit.WithSession(ctx, sessionID)
	ctx, span := a.tel.Tracer.Start(ctx, "analyzer.analyze")
	defer span.End()

	s, err := a.Session(ctx, sessionID)
	if err != nil {
		a.count(outcomeExpired)
		span.RecordError(err)
		return nil, err
	}
	quota := a.sessions.Quota()
	if s.Analyses >= quota {
		return nil, a.quotaExceeded(ctx, s, quota)
	}

	req, rep, err := a.validator.Validate(ctx, raw)
	if err != nil {
		a.count(outcomeRejected)
		return nil, err
	}

	s, ok, err := a.sessions.ChargeOne(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		a.count(outcomeExpired)
		return nil, fmt.Errorf("session %q: %w", redact(sessionID), session.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("charge session: %w", err)
	case !ok:
		return nil, a.quotaExceeded(ctx, s, quota)
	}

	res, err := a.runner.Execute(ctx, sessionID, req)
	if err != nil {
		a.count(outcomeFailed)
		span.RecordError(err)
		ev := audit.NewEvent(ctx, audit.EventPipelineFailed)
		ev.Fingerprint = rep.Fingerprint
		var serr *pipeline.StageExecutionError
		if errors.As(err, &serr) {
			ev.Stage = string(serr.Stage)
			ev.Detail = failureKind(serr)
		}
		a.record(ctx, ev)
		a.tel.Logger.Error(ctx, "analysis failed", "fingerprint", rep.Fingerprint, "stage", ev.Stage, "err", err)
		return nil, err
	}

	a.count(outcomeCompleted)
	ev := audit.NewEvent(ctx, audit.EventPipelineCompleted)
	ev.Fingerprint = rep.Fingerprint
	ev.Detail = fmt.Sprintf("processing_ms=%d risk=%s readiness=%s",
		res.ProcessingTime, res.Summary.RiskLevel, res.Summary.InvestmentReadiness)
	a.record(ctx, ev)
	a.tel.Logger.Info(ctx, "analysis completed",
		"fingerprint", rep.Fingerprint,
		"processing_ms", res.ProcessingTime,
		"remaining", s.Remaining(quota))
	return &Outcome{Result: res, Warnings: rep.Warnings, Session: s}, nil
}

func (a *Analyzer) quotaExceeded(ctx context.Context, s session.Session, quota int) error {
	a.count(outcomeQuota)
	ev := audit.NewEvent(ctx, audit.EventQuotaExceeded)
	ev.Detail = fmt.Sprintf("used=%d quota=%d", s.Analyses, quota)
	a.record(ctx, ev)
	return &QuotaExceededError{Scope: ScopeSession, SessionID: s.ID, Used: s.Analyses, Limit: quota}
}

func (a *Analyzer) record(ctx context.Context, ev audit.Event) {
	if err := a.sink.Record(ctx, ev); err != nil {
		a.tel.Logger.Warn(ctx, "audit sink failed", "audit_type", string(ev.Type), "err", err)
	}
}

func (a *Analyzer) count(outcome string) {
	a.tel.Metrics.IncCounter(MetricAnalyses, 1, "outcome", outcome)
}

func failureKind(e *pipeline.StageExecutionError) string {
	switch {
	case e.Canceled():
		return "canceled"
	case e.Timeout:
		return "timeout"
	case e.Malformed():
		return "malformed"
	default:
		return "failed"
	}
}

// redact shortens a session identifier for error messages and logs.
func redact(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "…"
}
