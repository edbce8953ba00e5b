package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/callanalysis/runtime/audit"
	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/pipeline/heuristic"
	"goa.design/callanalysis/runtime/session"
	"goa.design/callanalysis/runtime/session/inmem"
	"goa.design/callanalysis/runtime/transcript"
)

const call = `Agent: Hi, thanks for taking my call today. How are you doing?
Prospect: I'm well, thanks. I just retired last year and I want to understand my options.
Agent: Great. Tell me about your current savings. What accounts do you have?
Prospect: My 401k balance is like 52, almost $53,000. I am very conservative, I can't afford to lose it.
Agent: I understand, that's a fair concern. What are your goals for retirement income?
Prospect: I want steady income and I want to keep it safe. What would the next step be?
Agent: The next step is to schedule a meeting where I walk you through a rollover comparison.
Prospect: Tuesday works. Thanks, this was helpful.`

type (
	fixture struct {
		analyzer *Analyzer
		sink     *audit.MemorySink
		clock    *fakeClock
		registry *inmem.Registry
	}

	fakeClock struct {
		mu  sync.Mutex
		now time.Time
	}

	countingRunner struct {
		mu    sync.Mutex
		calls int
		next  Runner
	}
)

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (r *countingRunner) Execute(ctx context.Context, sessionID string, req transcript.Request) (*pipeline.Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.next.Execute(ctx, sessionID, req)
}

func (r *countingRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newFixture(t *testing.T, stages []pipeline.Stage, opts ...session.Option) (*fixture, *countingRunner) {
	t.Helper()
	sink := audit.NewMemorySink()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := inmem.New(append([]session.Option{session.WithClock(clock.Now)}, opts...)...)
	v, err := transcript.NewValidator(transcript.WithAuditSink(sink))
	require.NoError(t, err)
	if stages == nil {
		stages = heuristic.Stages(nil)
	}
	o, err := pipeline.New(stages)
	require.NoError(t, err)
	runner := &countingRunner{next: o}
	a, err := New(v, reg, runner, WithAuditSink(sink))
	require.NoError(t, err)
	return &fixture{analyzer: a, sink: sink, clock: clock, registry: reg}, runner
}

func validArgs(t *testing.T) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"transcript": call,
		"metadata": map[string]any{
			"age":              66,
			"retirementStatus": "retired",
			"accountTypes":     []string{"401k"},
			"concerns":         "very conservative",
		},
	})
	require.NoError(t, err)
	return b
}

func TestAnalyzeEndToEnd(t *testing.T) {
	f, _ := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.analyzer.CreateSession(ctx)
	require.NoError(t, err)

	out, err := f.analyzer.Analyze(ctx, s.ID, validArgs(t))
	require.NoError(t, err)
	res := out.Result
	require.Equal(t, s.ID, res.SessionID)
	require.Equal(t, pipeline.Order, res.ExecutionOrder)
	require.Contains(t, []pipeline.Level{pipeline.LevelLow, pipeline.LevelMedium}, res.Summary.RiskLevel)
	require.Equal(t, 1, out.Session.Analyses)
	require.Empty(t, f.sink.OfType(audit.EventValidationRejected))

	created := f.sink.OfType(audit.EventSessionCreated)
	require.Len(t, created, 1)
	require.Equal(t, s.ID, created[0].SessionID)
	completed := f.sink.OfType(audit.EventPipelineCompleted)
	require.Len(t, completed, 1)
	require.NotEmpty(t, completed[0].Fingerprint)
	require.NotContains(t, completed[0].Detail, "401k")
}

func TestAnalyzeQuota(t *testing.T) {
	f, runner := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.analyzer.CreateSession(ctx)
	require.NoError(t, err)

	for range session.DefaultQuota {
		_, err := f.analyzer.Analyze(ctx, s.ID, validArgs(t))
		require.NoError(t, err)
	}

	// The 11th call is rejected whether or not the arguments are valid.
	for _, raw := range []json.RawMessage{validArgs(t), json.RawMessage(`{"transcript":"short"}`)} {
		_, err = f.analyzer.Analyze(ctx, s.ID, raw)
		var qerr *QuotaExceededError
		require.ErrorAs(t, err, &qerr)
		require.Equal(t, ScopeSession, qerr.Scope)
		require.Equal(t, session.DefaultQuota, qerr.Used)
		require.Equal(t, session.DefaultQuota, qerr.Limit)
	}
	require.Equal(t, session.DefaultQuota, runner.Calls())
	require.Len(t, f.sink.OfType(audit.EventQuotaExceeded), 2)
	require.Empty(t, f.sink.OfType(audit.EventValidationRejected))
}

func TestAnalyzeValidationDoesNotCharge(t *testing.T) {
	f, runner := newFixture(t, nil, session.WithQuota(1))
	ctx := context.Background()
	s, err := f.analyzer.CreateSession(ctx)
	require.NoError(t, err)

	_, err = f.analyzer.Analyze(ctx, s.ID, json.RawMessage(`{"transcript":"`+strings.Repeat("a", 99)+`"}`))
	var verr *transcript.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Zero(t, runner.Calls())

	_, err = f.analyzer.Analyze(ctx, s.ID, validArgs(t))
	require.NoError(t, err)
}

func TestAnalyzeUnknownAndExpiredSession(t *testing.T) {
	f, runner := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.analyzer.Analyze(ctx, "nope", validArgs(t))
	require.ErrorIs(t, err, session.ErrNotFound)

	s, err := f.analyzer.CreateSession(ctx)
	require.NoError(t, err)
	f.clock.Advance(session.DefaultIdleTimeout + time.Second)
	_, err = f.analyzer.Analyze(ctx, s.ID, validArgs(t))
	require.ErrorIs(t, err, session.ErrNotFound)

	// Expired sessions are not renewed.
	_, err = f.analyzer.Session(ctx, s.ID)
	require.ErrorIs(t, err, session.ErrNotFound)
	require.Zero(t, runner.Calls())
	require.Len(t, f.sink.OfType(audit.EventSessionExpired), 3)
}

func TestAnalyzeStageFailure(t *testing.T) {
	boom := errors.New("upstream unavailable")
	stages := heuristic.Stages(nil)
	for i, s := range stages {
		if s.ID() == pipeline.StageObjections {
			stages[i] = pipeline.StageFunc{StageID: pipeline.StageObjections,
				Fn: func(context.Context, pipeline.Input) (pipeline.StageResult, error) { return nil, boom }}
		}
	}
	f, _ := newFixture(t, stages)
	ctx := context.Background()
	s, err := f.analyzer.CreateSession(ctx)
	require.NoError(t, err)

	out, err := f.analyzer.Analyze(ctx, s.ID, validArgs(t))
	require.Nil(t, out)
	var serr *pipeline.StageExecutionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, pipeline.StageObjections, serr.Stage)
	require.ErrorIs(t, err, boom)

	failed := f.sink.OfType(audit.EventPipelineFailed)
	require.Len(t, failed, 1)
	require.Equal(t, string(pipeline.StageObjections), failed[0].Stage)
	require.Equal(t, "failed", failed[0].Detail)

	// The charge is kept.
	got, err := f.analyzer.Session(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Analyses)
}

func TestAnalyzeCancellationKeepsCharge(t *testing.T) {
	f, _ := newFixture(t, nil)
	s, err := f.analyzer.CreateSession(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.analyzer.Analyze(ctx, s.ID, validArgs(t))
	var serr *pipeline.StageExecutionError
	require.ErrorAs(t, err, &serr)
	require.True(t, serr.Canceled())

	got, err := f.analyzer.Session(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Analyses)
}

func TestAnalyzeConcurrentChargesRespectQuota(t *testing.T) {
	f, runner := newFixture(t, nil, session.WithQuota(3))
	ctx := context.Background()
	s, err := f.analyzer.CreateSession(ctx)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
	)
	raw := validArgs(t)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.analyzer.Analyze(ctx, s.ID, raw)
			var qerr *QuotaExceededError
			if errors.As(err, &qerr) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 9, rejected)
	require.Equal(t, 3, runner.Calls())
}

func TestNewRequiresCollaborators(t *testing.T) {
	v, err := transcript.NewValidator()
	require.NoError(t, err)
	reg := inmem.New()
	o, err := pipeline.New(heuristic.Stages(nil))
	require.NoError(t, err)

	_, err = New(nil, reg, o)
	require.Error(t, err)
	_, err = New(v, nil, o)
	require.Error(t, err)
	_, err = New(v, reg, nil)
	require.Error(t, err)
}

func TestQuotaExceededErrorMessage(t *testing.T) {
	require.Equal(t, "session quota exceeded: 10 of 10 analyses used",
		(&QuotaExceededError{Scope: ScopeSession, Used: 10, Limit: 10}).Error())
	require.Equal(t, "rate limit exceeded, retry after 250ms",
		(&QuotaExceededError{Scope: ScopeRate, RetryAfter: 250 * time.Millisecond}).Error())
}
