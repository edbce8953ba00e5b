package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/callanalysis/runtime/transcript"
)

func TestExecuteRunsStagesInOrder(t *testing.T) {
	stages, _ := recorders()
	o, err := New(stages)
	require.NoError(t, err)

	res, err := o.Execute(context.Background(), "sess", sampleRequest())
	require.NoError(t, err)
	require.Equal(t, Order, res.ExecutionOrder)
	require.Len(t, res.Stages, len(Order))
	for i, rec := range res.Stages {
		require.Equal(t, Order[i], rec.Stage)
		require.Equal(t, StatusCompleted, rec.Status)
		require.False(t, rec.EndedAt.Before(rec.StartedAt))
		if i > 0 {
			prev := res.Stages[i-1]
			require.False(t, rec.StartedAt.Before(prev.EndedAt), "stage %s started before %s ended", rec.Stage, prev.Stage)
			require.GreaterOrEqual(t, rec.ElapsedMs, prev.ElapsedMs)
		}
	}
	require.NotNil(t, res.Stages[1].Confidence)
	require.Equal(t, 70.0, *res.Stages[1].Confidence)
	require.Nil(t, res.Stages[0].Confidence)
	require.Equal(t, "sess", res.SessionID)
	require.NotNil(t, res.Analyses.Qualification)
	require.Equal(t, 69.0, res.Summary.OverallQualificationScore)
}

func TestExecuteThreadsContext(t *testing.T) {
	stages, byID := recorders()
	o, err := New(stages)
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), "sess", sampleRequest())
	require.NoError(t, err)
	for i, id := range Order {
		r := byID[id]
		require.Equal(t, 1, r.calls)
		if i == 0 {
			require.Empty(t, r.prior)
			continue
		}
		require.Equal(t, Order[:i], r.prior, "stage %s saw wrong context", id)
	}
	require.Len(t, byID[StageQualification].prior, 5)
}

func TestExecuteReportsFailingStage(t *testing.T) {
	stages, byID := recorders()
	boom := errors.New("upstream unavailable")
	byID[StageObjections].err = boom
	byID[StageObjections].result = nil
	o, err := New(stages)
	require.NoError(t, err)

	res, err := o.Execute(context.Background(), "sess", sampleRequest())
	require.Nil(t, res)
	var serr *StageExecutionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StageObjections, serr.Stage)
	require.False(t, serr.Timeout)
	require.ErrorIs(t, err, boom)
	require.NotNil(t, serr.Completed.Conversation)
	require.NotNil(t, serr.Completed.Psychology)
	require.Nil(t, serr.Completed.Objections)
	require.Equal(t, StatusFailed, serr.Records[2].Status)
	for _, rec := range serr.Records[3:] {
		require.Equal(t, StatusPending, rec.Status)
	}
	require.Zero(t, byID[StageDealRisk].calls)
}

func TestExecuteStageTimeout(t *testing.T) {
	stages, _ := recorders()
	block := make(chan struct{})
	defer close(block)
	stages[3] = StageFunc{StageID: StageDealRisk, Fn: func(context.Context, Input) (StageResult, error) {
		<-block // ignores ctx on purpose
		return nil, nil
	}}
	o, err := New(stages, WithStageTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = o.Execute(context.Background(), "sess", sampleRequest())
	var serr *StageExecutionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StageDealRisk, serr.Stage)
	require.True(t, serr.Timeout)
	require.True(t, serr.Records[3].Timeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestExecuteRunTimeout(t *testing.T) {
	stages, _ := recorders()
	stages[1] = StageFunc{StageID: StagePsychology, Fn: func(ctx context.Context, _ Input) (StageResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, err := New(stages, WithStageTimeout(time.Minute), WithRunTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), "sess", sampleRequest())
	var serr *StageExecutionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StagePsychology, serr.Stage)
	require.True(t, serr.Timeout)
}

func TestExecuteCallerCancellation(t *testing.T) {
	stages, _ := recorders()
	ctx, cancel := context.WithCancel(context.Background())
	stages[0] = StageFunc{StageID: StageConversation, Fn: func(ctx context.Context, _ Input) (StageResult, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, err := New(stages)
	require.NoError(t, err)

	_, err = o.Execute(ctx, "sess", sampleRequest())
	var serr *StageExecutionError
	require.ErrorAs(t, err, &serr)
	require.True(t, serr.Canceled())
	require.False(t, serr.Timeout)
}

func TestExecuteRejectsMalformedResults(t *testing.T) {
	cases := []struct {
		name   string
		result StageResult
	}{
		{"nil", nil},
		{"typed nil", (*RiskAssessment)(nil)},
		{"wrong stage", &ActionPlan{}},
		{"out of range", &RiskAssessment{RiskLevel: LevelLow, CloseProbability: 140}},
		{"unknown level", &RiskAssessment{RiskLevel: "severe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stages, byID := recorders()
			byID[StageDealRisk].result = tc.result
			o, err := New(stages)
			require.NoError(t, err)

			_, err = o.Execute(context.Background(), "sess", sampleRequest())
			var serr *StageExecutionError
			require.ErrorAs(t, err, &serr)
			require.Equal(t, StageDealRisk, serr.Stage)
			require.True(t, serr.Malformed())
		})
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	stages, _ := recorders()
	stages[5] = StageFunc{StageID: StageQualification, Fn: func(context.Context, Input) (StageResult, error) {
		panic("boom")
	}}
	o, err := New(stages)
	require.NoError(t, err)
	_, err = o.Execute(context.Background(), "sess", sampleRequest())
	var serr *StageExecutionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StageQualification, serr.Stage)
}

func TestNewValidatesStages(t *testing.T) {
	stages, _ := recorders()
	_, err := New(stages[:5])
	require.ErrorContains(t, err, "missing stage")

	_, err = New(append(stages, stages[0]))
	require.ErrorContains(t, err, "duplicate stage")

	_, err = New(append(stages[:5:5], StageFunc{StageID: "bogus"}))
	require.ErrorContains(t, err, "unknown stage")
}

func TestContextSetEnforcesOrder(t *testing.T) {
	c := NewContext(transcript.Request{})
	res := fixtureResults()
	require.ErrorIs(t, c.set(res[StagePsychology]), ErrMalformedResult)
	for _, id := range Order {
		require.NoError(t, c.set(res[id]))
	}
	require.Error(t, c.set(res[StageConversation]))
	require.Equal(t, Order, c.Completed())
}
