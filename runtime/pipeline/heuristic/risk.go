package heuristic

import (
	"context"
	"errors"
	"fmt"

	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/transcript"
)

// DealRiskStage assesses the risk of losing the deal from the conversation,
// psychology and objection results.
type DealRiskStage struct{}

// Risk point thresholds.
const (
	mediumRiskPoints   = 20
	highRiskPoints     = 45
	criticalRiskPoints = 70
)

// errMissingPrior is returned when a stage runs without the results it
// depends on.
var errMissingPrior = errors.New("missing prior stage result")

// ID implements pipeline.Stage.
func (*DealRiskStage) ID() pipeline.StageID { return pipeline.StageDealRisk }

// Run implements pipeline.Stage.
func (s *DealRiskStage) Run(ctx context.Context, in pipeline.Input) (pipeline.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conv, psych, objs := in.Prior.Conversation(), in.Prior.Psychology(), in.Prior.Objections()
	if conv == nil || psych == nil || objs == nil {
		return nil, errMissingPrior
	}

	res := &pipeline.RiskAssessment{RiskFactors: []pipeline.RiskFactor{}}
	points := 0
	add := func(p int, factor string, sev pipeline.Level, mitigation string) {
		points += p
		res.RiskFactors = append(res.RiskFactors, pipeline.RiskFactor{Factor: factor, Severity: sev, Mitigation: mitigation})
	}

	for _, o := range objs.Objections {
		if o.Resolved {
			continue
		}
		p := 8
		if o.Severity.AtLeast(pipeline.LevelHigh) {
			p = 20
		}
		add(p, fmt.Sprintf("Unresolved %s objection", o.Category), o.Severity, o.Response)
	}
	if conv.Sentiment == pipeline.SentimentNegative {
		add(15, "Negative prospect sentiment", pipeline.LevelMedium, "Acknowledge frustrations before presenting solutions")
	}
	interest := in.Request.Interest()
	if interest == "" {
		interest = psych.InferredInterest
	}
	switch interest {
	case transcript.InterestLow:
		add(20, "Low interest level", pipeline.LevelHigh, "Re-qualify the need before investing more time")
	case transcript.InterestMedium:
		add(8, "Moderate interest level", pipeline.LevelLow, "Reinforce the value of acting now")
	}
	if conv.EngagementScore < 40 {
		add(10, "Low prospect engagement", pipeline.LevelMedium, "Ask open questions about goals to draw the prospect in")
	}
	if conv.QualityScore < 50 {
		add(5, "Weak call execution", pipeline.LevelLow, "Review discovery and closing technique with the agent")
	}
	if psych.DecisionStyle == "deliberate" {
		add(5, "Extended decision cycle", pipeline.LevelLow, "Provide written material and schedule a decision date")
	}

	switch {
	case points >= criticalRiskPoints:
		res.RiskLevel = pipeline.LevelCritical
	case points >= highRiskPoints:
		res.RiskLevel = pipeline.LevelHigh
	case points >= mediumRiskPoints:
		res.RiskLevel = pipeline.LevelMedium
	default:
		res.RiskLevel = pipeline.LevelLow
	}
	res.CloseProbability = clamp(float64(90-points), 5, 95)
	res.Insights = []string{fmt.Sprintf("Deal risk is %s with an estimated %.0f%% close probability", res.RiskLevel, res.CloseProbability)}
	if len(res.RiskFactors) > 0 {
		res.Insights = append(res.Insights, "Top risk: "+res.RiskFactors[0].Factor)
	}
	return res, nil
}
