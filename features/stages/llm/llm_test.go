package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/callanalysis/runtime/model"
	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/prompts"
	"goa.design/callanalysis/runtime/retry"
	"goa.design/callanalysis/runtime/transcript"
)

var cannedOutputs = map[pipeline.StageID]string{
	pipeline.StageConversation: `{"qualityScore": 72, "agentTalkRatio": 0.55, "questionCount": 6,
		"engagementScore": 80, "sentiment": "positive", "keyTopics": ["401k rollover"],
		"insights": ["Prospect engaged on rollover options"]}`,
	pipeline.StagePsychology: "```json\n" + `{"personalityType": "analytical", "decisionStyle": "deliberate",
		"riskTolerance": "conservative", "confidenceScore": 70, "inferredInterest": "high",
		"concerns": ["market drops"]}` + "\n```",
	pipeline.StageObjections: `Here is the analysis: {"objections": [{"category": "risk",
		"statement": "I can't lose what I have", "severity": "high", "resolved": false,
		"response": "Show capital preservation options"}], "unresolvedCount": 0, "handlingScore": 60}`,
	pipeline.StageDealRisk: `{"riskLevel": "medium", "closeProbability": 55,
		"riskFactors": [{"factor": "risk aversion", "severity": "high", "mitigation": "Review guaranteed income products"}]}`,
	pipeline.StageActionPlan: `{"actions": [{"description": "Send rollover comparison", "priority": "critical",
		"owner": "agent", "dueWithinDays": 2}], "nextSteps": ["Schedule follow-up"], "followUpTimeline": "within 3 days"}`,
	pipeline.StageQualification: `{"score": 68, "qualified": true, "tier": "warm",
		"recommendation": "Book a second meeting with the spouse present."}`,
}

// scripted answers each stage with its canned output, detecting the stage
// from the system prompt.
type scripted struct {
	mu       sync.Mutex
	tbl      *prompts.Table
	requests []*model.Request
	replies  map[pipeline.StageID][]func() (*model.Response, error)
}

func newScripted(t *testing.T, tbl *prompts.Table) *scripted {
	t.Helper()
	return &scripted{tbl: tbl, replies: map[pipeline.StageID][]func() (*model.Response, error){}}
}

func (s *scripted) push(id pipeline.StageID, fn func() (*model.Response, error)) {
	s.replies[id] = append(s.replies[id], fn)
}

func (s *scripted) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	id := s.stageOf(req)
	if q := s.replies[id]; len(q) > 0 {
		s.replies[id] = q[1:]
		return q[0]()
	}
	return text(cannedOutputs[id]), nil
}

func (s *scripted) stageOf(req *model.Request) pipeline.StageID {
	system, _ := req.Split()
	for _, id := range pipeline.Order {
		p, _ := s.tbl.Prompt(id)
		if p.System == system {
			return id
		}
	}
	return ""
}

func text(s string) *model.Response {
	return &model.Response{Content: []model.Message{{Role: model.RoleAssistant, Content: s}}}
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond, Factor: 2}
}

func setup(t *testing.T) (*scripted, *Executor) {
	t.Helper()
	tbl, err := prompts.Default()
	require.NoError(t, err)
	client := newScripted(t, tbl)
	e, err := New(client, tbl, WithRetry(fastRetry()), WithModel("test-model"))
	require.NoError(t, err)
	return client, e
}

func request() transcript.Request {
	return transcript.Request{
		Transcript: "Agent: What are your goals for retirement? Prospect: I want to keep my 401k safe.",
		Metadata:   &transcript.Metadata{InterestLevel: transcript.InterestHigh},
	}
}

func TestExecutorRunsFullPipeline(t *testing.T) {
	client, e := setup(t)
	orch, err := pipeline.New(e.Stages())
	require.NoError(t, err)

	res, err := orch.Execute(context.Background(), "sess-1", request())
	require.NoError(t, err)
	require.Len(t, client.requests, 6)

	require.Equal(t, pipeline.LevelMedium, res.Analyses.DealRisk.RiskLevel)
	require.Equal(t, 1, res.Analyses.Objections.UnresolvedCount)
	require.Equal(t, transcript.InterestHigh, res.Analyses.Psychology.InferredInterest)
	require.Equal(t, pipeline.LevelHigh, res.Summary.RiskLevel)
	require.Contains(t, res.Summary.CriticalActions, "Send rollover comparison")

	first := client.requests[0]
	require.Equal(t, "test-model", first.Model)
	require.Equal(t, DefaultMaxTokens, first.MaxTokens)
	_, msgs := first.Split()
	require.NotContains(t, msgs[0].Content, "Previous analyses")

	_, msgs = client.requests[5].Split()
	require.Contains(t, msgs[0].Content, "Previous analyses")
	require.Contains(t, msgs[0].Content, `"dealRisk"`)
	require.Contains(t, msgs[0].Content, "Send rollover comparison")
}

func TestExecutorCorrectsMalformedOutput(t *testing.T) {
	client, e := setup(t)
	client.push(pipeline.StageConversation, func() (*model.Response, error) {
		return text(`{"qualityScore": 150, "agentTalkRatio": 0.5, "questionCount": 1, "engagementScore": 50, "sentiment": "positive"}`), nil
	})

	r, err := e.Run(context.Background(), pipeline.StageConversation, pipeline.Input{Request: request()})
	require.NoError(t, err)
	require.InDelta(t, 72, r.(*pipeline.ConversationAnalysis).QualityScore, 0)

	require.Len(t, client.requests, 2)
	retried := client.requests[1].Messages
	require.Len(t, retried, 4)
	require.Equal(t, model.RoleAssistant, retried[2].Role)
	require.Contains(t, retried[3].Content, "qualityScore")
}

func TestExecutorRetriesRateLimits(t *testing.T) {
	client, e := setup(t)
	client.push(pipeline.StageDealRisk, func() (*model.Response, error) {
		return nil, model.FromStatus("anthropic", "messages.new", 429, "", "", "", nil)
	})

	_, err := e.Run(context.Background(), pipeline.StageDealRisk, pipeline.Input{Request: request()})
	require.NoError(t, err)
	require.Len(t, client.requests, 2)
}

func TestExecutorStopsOnPermanentErrors(t *testing.T) {
	client, e := setup(t)
	client.push(pipeline.StageActionPlan, func() (*model.Response, error) {
		return nil, model.FromStatus("openai", "chat.completions", 401, "invalid_api_key", "", "", nil)
	})

	_, err := e.Run(context.Background(), pipeline.StageActionPlan, pipeline.Input{Request: request()})
	require.Error(t, err)
	require.Len(t, client.requests, 1)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindAuth, pe.Kind)
}

func TestExecutorGivesUpAfterRepeatedGarbage(t *testing.T) {
	client, e := setup(t)
	for range 3 {
		client.push(pipeline.StageQualification, func() (*model.Response, error) {
			return text("I cannot help with that."), nil
		})
	}

	_, err := e.Run(context.Background(), pipeline.StageQualification, pipeline.Input{Request: request()})
	var exhausted *retry.GiveUpError
	require.ErrorAs(t, err, &exhausted)
	var oerr *OutputError
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, pipeline.StageQualification, oerr.Stage)
	require.Len(t, client.requests, 3)
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`},
		{"surrounded", `Sure! {"a":"}"} Hope this helps {"b":2}`, `{"a":"}"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ExtractJSON(c.in)
			require.NoError(t, err)
			require.JSONEq(t, c.want, string(got))
		})
	}

	_, err := ExtractJSON("no json here")
	require.Error(t, err)
	_, err = ExtractJSON(`{"a": `)
	require.Error(t, err)
}

func TestNewValidatesArguments(t *testing.T) {
	tbl, err := prompts.Default()
	require.NoError(t, err)
	_, err = New(nil, tbl)
	require.Error(t, err)
	_, err = New(model.ClientFunc(func(context.Context, *model.Request) (*model.Response, error) {
		return nil, errors.New("unused")
	}), nil)
	require.Error(t, err)
}

func TestOutputErrorDetail(t *testing.T) {
	e := &OutputError{Stage: pipeline.StageConversation, Cause: errors.New("bad")}
	require.True(t, strings.HasSuffix(e.Error(), "bad"))
	require.True(t, retry.IsRetryable(e))
}
