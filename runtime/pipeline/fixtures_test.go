package pipeline

import (
	"context"
	"sync"

	"goa.design/callanalysis/runtime/transcript"
)

func fixtureResults() map[StageID]StageResult {
	return map[StageID]StageResult{
		StageConversation: &ConversationAnalysis{
			QualityScore:    80,
			AgentTalkRatio:  0.55,
			QuestionCount:   6,
			EngagementScore: 72,
			Sentiment:       SentimentPositive,
			KeyTopics:       []string{"retirement", "401k rollover"},
			Insights:        []string{"Agent asked open questions"},
		},
		StagePsychology: &PsychologyProfile{
			PersonalityType:  "analytical",
			DecisionStyle:    "deliberate",
			RiskTolerance:    ToleranceConservative,
			ConfidenceScore:  70,
			InferredInterest: transcript.InterestMedium,
			Insights:         []string{"Prospect is very conservative"},
		},
		StageObjections: &ObjectionInventory{
			Objections: []Objection{
				{Category: "fees", Statement: "fees seem high", Severity: LevelMedium, Resolved: true},
			},
			HandlingScore: 65,
			Insights:      []string{"Fee objection was addressed"},
		},
		StageDealRisk: &RiskAssessment{
			RiskLevel:        LevelMedium,
			CloseProbability: 55,
			RiskFactors: []RiskFactor{
				{Factor: "market fear", Severity: LevelHigh, Mitigation: "Share capital preservation options"},
			},
			Insights: []string{"Market volatility is the main risk"},
		},
		StageActionPlan: &ActionPlan{
			Actions: []Action{
				{Description: "Send rollover paperwork", Priority: LevelHigh, Owner: "agent", DueWithinDays: 2},
				{Description: "Schedule review call", Priority: LevelCritical, Owner: "agent", DueWithinDays: 1},
				{Description: "Add to newsletter", Priority: LevelLow, Owner: "marketing", DueWithinDays: 14},
			},
			NextSteps:        []string{"Book follow-up within a week"},
			FollowUpTimeline: "1 week",
		},
		StageQualification: &QualificationSummary{
			Score:          68,
			Qualified:      true,
			Tier:           "warm",
			Recommendation: "Present a conservative rollover proposal",
			Insights:       []string{"Qualified with conservative profile"},
		},
	}
}

// recorder is a stage returning a fixture result and recording the context
// it received.
type recorder struct {
	id     StageID
	result StageResult
	err    error

	mu    sync.Mutex
	prior []StageID
	calls int
}

func (r *recorder) ID() StageID { return r.id }

func (r *recorder) Run(_ context.Context, in Input) (StageResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.prior = in.Prior.Completed()
	return r.result, r.err
}

func recorders() ([]Stage, map[StageID]*recorder) {
	res := fixtureResults()
	stages := make([]Stage, 0, len(Order))
	byID := make(map[StageID]*recorder, len(Order))
	for _, id := range Order {
		r := &recorder{id: id, result: res[id]}
		stages = append(stages, r)
		byID[id] = r
	}
	return stages, byID
}

func sampleRequest() transcript.Request {
	return transcript.Request{
		Transcript: "Agent: How can I help? Prospect: My 401k balance is like 52, almost $53,000 and I am very conservative.",
	}
}
