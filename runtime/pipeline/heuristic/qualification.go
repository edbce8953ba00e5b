package heuristic

import (
	"context"
	"fmt"

	"goa.design/callanalysis/runtime/pipeline"
)

// QualificationStage scores the prospect from all five prior results.
type QualificationStage struct{}

// Qualification weights.
const (
	weightQuality  = 0.25
	weightProfile  = 0.15
	weightHandling = 0.2
	weightClose    = 0.4

	qualifiedScore = 60.0
	hotScore       = 75.0
	warmScore      = 55.0
)

// ID implements pipeline.Stage.
func (*QualificationStage) ID() pipeline.StageID { return pipeline.StageQualification }

// Run implements pipeline.Stage.
func (s *QualificationStage) Run(ctx context.Context, in pipeline.Input) (pipeline.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := in.Prior.Analyses()
	if a.Conversation == nil || a.Psychology == nil || a.Objections == nil || a.DealRisk == nil || a.ActionPlan == nil {
		return nil, errMissingPrior
	}

	score := round1(clamp(weightQuality*a.Conversation.QualityScore+
		weightProfile*a.Psychology.ConfidenceScore+
		weightHandling*a.Objections.HandlingScore+
		weightClose*a.DealRisk.CloseProbability, 0, 100))

	res := &pipeline.QualificationSummary{
		Score:     score,
		Qualified: score >= qualifiedScore && a.DealRisk.RiskLevel != pipeline.LevelCritical,
		Strengths: []string{},
		Gaps:      []string{},
	}
	switch {
	case score >= hotScore:
		res.Tier = "hot"
		res.Recommendation = "Advance to proposal and aim to close within two weeks"
	case score >= warmScore:
		res.Tier = "warm"
		res.Recommendation = "Nurture with a tailored proposal and address open concerns"
	default:
		res.Tier = "cold"
		res.Recommendation = "Keep in long-term nurture and re-qualify in 90 days"
	}
	if !res.Qualified && res.Tier != "cold" {
		res.Recommendation = "Resolve critical risks before presenting a proposal"
	}

	if a.Conversation.QualityScore >= 70 {
		res.Strengths = append(res.Strengths, "Strong call execution")
	} else {
		res.Gaps = append(res.Gaps, "Call execution needs improvement")
	}
	if a.Objections.UnresolvedCount == 0 {
		res.Strengths = append(res.Strengths, "No open objections")
	} else {
		res.Gaps = append(res.Gaps, fmt.Sprintf("%d unresolved objections", a.Objections.UnresolvedCount))
	}
	if a.DealRisk.CloseProbability >= 60 {
		res.Strengths = append(res.Strengths, "Healthy close probability")
	} else {
		res.Gaps = append(res.Gaps, "Low close probability")
	}
	if len(a.Psychology.Motivators) > 0 {
		res.Strengths = append(res.Strengths, "Clear motivator: "+a.Psychology.Motivators[0])
	}

	verdict := "not qualified"
	if res.Qualified {
		verdict = "qualified"
	}
	res.Insights = []string{fmt.Sprintf("Prospect is %s (%s tier, score %.1f)", verdict, res.Tier, score)}
	if len(res.Gaps) > 0 {
		res.Insights = append(res.Insights, "Biggest gap: "+res.Gaps[0])
	}
	return res, nil
}
