package heuristic

import (
	"context"
	"fmt"

	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/transcript"
)

// ActionPlanStage turns the four prior results into follow-up actions.
type ActionPlanStage struct{}

// ID implements pipeline.Stage.
func (*ActionPlanStage) ID() pipeline.StageID { return pipeline.StageActionPlan }

// Run implements pipeline.Stage.
func (s *ActionPlanStage) Run(ctx context.Context, in pipeline.Input) (pipeline.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conv, psych, objs, risk := in.Prior.Conversation(), in.Prior.Psychology(), in.Prior.Objections(), in.Prior.DealRisk()
	if conv == nil || psych == nil || objs == nil || risk == nil {
		return nil, errMissingPrior
	}

	res := &pipeline.ActionPlan{Actions: []pipeline.Action{}, NextSteps: []string{}}
	add := func(desc string, p pipeline.Level, owner string, days int) {
		res.Actions = append(res.Actions, pipeline.Action{Description: desc, Priority: p, Owner: owner, DueWithinDays: days})
	}

	switch risk.RiskLevel {
	case pipeline.LevelCritical:
		add("Escalate the opportunity for senior advisor review", pipeline.LevelCritical, "manager", 1)
	case pipeline.LevelHigh:
		add("Review the opportunity with a senior advisor", pipeline.LevelHigh, "manager", 2)
	}
	for _, o := range objs.Objections {
		if o.Resolved {
			continue
		}
		p := pipeline.LevelMedium
		if o.Severity.AtLeast(pipeline.LevelHigh) {
			p = o.Severity
		}
		add(fmt.Sprintf("Address the %s objection: %s", o.Category, o.Response), p, "agent", 3)
	}
	add("Send a written recap of the call", pipeline.LevelMedium, "agent", 1)

	interest := in.Request.Interest()
	if interest == "" {
		interest = psych.InferredInterest
	}
	if interest == transcript.InterestHigh {
		add("Prepare and present a personalized proposal", pipeline.LevelHigh, "agent", 3)
	}
	if m := in.Request.Metadata; m.HasAccount(transcript.Account401k) || m.HasAccount(transcript.Account403b) || m.HasAccount(transcript.Account457b) {
		add("Prepare an employer plan rollover comparison", pipeline.LevelMedium, "agent", 5)
	}
	if psych.RiskTolerance == pipeline.ToleranceConservative {
		add("Include capital preservation options in the proposal", pipeline.LevelMedium, "agent", 5)
	}
	if conv.QualityScore < 60 {
		add("Coach the agent on discovery questions", pipeline.LevelLow, "manager", 14)
	}

	timeline := "within 1 week"
	switch {
	case risk.RiskLevel.AtLeast(pipeline.LevelHigh):
		timeline = "within 48 hours"
	case interest == transcript.InterestHigh:
		timeline = "within 3 days"
	case risk.RiskLevel == pipeline.LevelLow:
		timeline = "within 2 weeks"
	}
	res.FollowUpTimeline = timeline
	res.NextSteps = append(res.NextSteps, "Schedule a follow-up call "+timeline)
	if psych.DecisionStyle == "deliberate" {
		res.NextSteps = append(res.NextSteps, "Send comparison material ahead of the follow-up")
	}
	for _, o := range objs.Objections {
		if o.Category == "authority" && !o.Resolved {
			res.NextSteps = append(res.NextSteps, "Invite every decision maker to the next meeting")
		}
	}
	res.Insights = []string{fmt.Sprintf("%d follow-up actions planned, follow up %s", len(res.Actions), timeline)}
	return res, nil
}
