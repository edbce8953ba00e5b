package heuristic

import (
	"context"
	"fmt"

	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/transcript"
)

// PsychologyStage profiles the prospect's personality and decision making.
type PsychologyStage struct {
	lex *Lexicon
}

var tips = map[string][]string{
	"analytical": {"Lead with numbers and written comparisons", "Give time to review details before asking for a decision"},
	"driver":     {"Keep it brief and focused on outcomes", "Offer a clear recommendation with one decision point"},
	"amiable":    {"Emphasize trust and the long-term relationship", "Involve family members in the process"},
	"expressive": {"Connect the plan to personal goals and lifestyle", "Use stories from similar clients"},
}

// ID implements pipeline.Stage.
func (*PsychologyStage) ID() pipeline.StageID { return pipeline.StagePsychology }

// Run implements pipeline.Stage.
func (s *PsychologyStage) Run(ctx context.Context, in pipeline.Input) (pipeline.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := parse(in.Request.Transcript)
	text := c.text(speakerProspect)
	meta := in.Request.Metadata

	personality, signals := dominant(text, []string{"analytical", "driver", "amiable", "expressive"},
		[][]string{s.lex.Analytical, s.lex.Driver, s.lex.Amiable, s.lex.Expressive})

	style := "collaborative"
	deliberate, decisive := count(text, s.lex.Deliberate), count(text, s.lex.Decisive)
	switch {
	case deliberate > decisive:
		style = "deliberate"
	case decisive > deliberate:
		style = "decisive"
	}

	cons, aggr := count(text, s.lex.Conservative), count(text, s.lex.Aggressive)
	if meta != nil {
		switch meta.InvestmentExperience {
		case transcript.ExperienceNone, transcript.ExperienceBeginner:
			cons++
		case transcript.ExperienceAdvanced, transcript.ExperienceProfessional:
			aggr++
		}
		if meta.RetirementStatus == transcript.RetirementRetired {
			cons++
		}
	}
	tolerance := pipeline.ToleranceModerate
	switch {
	case cons > aggr:
		tolerance = pipeline.ToleranceConservative
	case aggr > cons:
		tolerance = pipeline.ToleranceAggressive
	}

	interest := transcript.InterestLow
	switch net := count(text, s.lex.Interest) - count(text, s.lex.Disinterest); {
	case net >= 3:
		interest = transcript.InterestHigh
	case net >= 1:
		interest = transcript.InterestMedium
	}

	evidence := signals + deliberate + decisive + cons + aggr
	confidence := 35 + 3*float64(min(evidence, 12))
	words := c.words(speakerProspect)
	if !c.labeled {
		words = c.words(speakerUnknown) / 2
	}
	if words >= 150 {
		confidence += 10
	}
	if meta != nil {
		confidence += 10
	}
	if conv := in.Prior.Conversation(); conv != nil && conv.Sentiment == pipeline.SentimentNegative {
		confidence -= 5
	}

	res := &pipeline.PsychologyProfile{
		PersonalityType:   personality,
		DecisionStyle:     style,
		RiskTolerance:     tolerance,
		ConfidenceScore:   round1(clamp(confidence, 0, 100)),
		InferredInterest:  interest,
		Motivators:        first(matches(text, s.lex.Motivators), 3),
		Concerns:          first(matches(text, s.lex.Concerns), 3),
		CommunicationTips: append([]string(nil), tips[personality]...),
	}
	if tolerance == pipeline.ToleranceConservative {
		res.CommunicationTips = append(res.CommunicationTips, "Frame recommendations around protecting principal")
	}
	res.Insights = []string{
		fmt.Sprintf("Prospect appears %s with a %s decision style", personality, style),
		fmt.Sprintf("Risk tolerance reads as %s", tolerance),
	}
	if len(res.Concerns) > 0 {
		res.Insights = append(res.Insights, "Primary concern: "+res.Concerns[0])
	}
	return res, nil
}

// dominant returns the name whose phrases occur most often in s together
// with the total number of hits. Ties resolve to the earliest name.
func dominant(s string, names []string, phrases [][]string) (string, int) {
	best, bestN, total := names[0], -1, 0
	for i, name := range names {
		n := count(s, phrases[i])
		total += n
		if n > bestN {
			best, bestN = name, n
		}
	}
	return best, total
}

func first(vals []string, n int) []string {
	if len(vals) > n {
		vals = vals[:n]
	}
	if vals == nil {
		return []string{}
	}
	return vals
}
