package heuristic

import (
	"context"
	"fmt"
	"strings"

	"goa.design/callanalysis/runtime/pipeline"
)

// ConversationStage scores talk balance, questioning and sentiment.
type ConversationStage struct {
	lex *Lexicon
}

// Ideal agent share of the words spoken.
const (
	minAgentShare = 0.3
	maxAgentShare = 0.6
)

// ID implements pipeline.Stage.
func (*ConversationStage) ID() pipeline.StageID { return pipeline.StageConversation }

// Run implements pipeline.Stage.
func (s *ConversationStage) Run(ctx context.Context, in pipeline.Input) (pipeline.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := parse(in.Request.Transcript)
	agentText, prospectText := c.text(speakerAgent), c.text(speakerProspect)

	ratio := 0.5
	if aw, pw := c.words(speakerAgent), c.words(speakerProspect); aw+pw > 0 {
		ratio = float64(aw) / float64(aw+pw)
	}
	questions := strings.Count(agentText, "?")
	prospectQuestions := strings.Count(prospectText, "?")
	if !c.labeled {
		// Without labels every question is attributed to the agent.
		prospectQuestions = 0
	}

	pos, neg := count(prospectText, s.lex.Positive), count(prospectText, s.lex.Negative)
	sentiment := pipeline.SentimentNeutral
	switch {
	case pos > neg:
		sentiment = pipeline.SentimentPositive
	case neg > pos:
		sentiment = pipeline.SentimentNegative
	}
	rapport := count(agentText, s.lex.Rapport)
	commitment := count(agentText, s.lex.Commitment)

	engagement := 40.0 + 5*float64(min(prospectQuestions, 6)) + 4*float64(min(count(prospectText, s.lex.Interest), 5))
	if c.labeled {
		engagement += 20 * (1 - ratio)
	}
	engagement -= 5 * float64(min(count(prospectText, s.lex.Disinterest), 4))

	quality := 45.0 + 3*float64(min(questions, 8)) + 3*float64(min(rapport, 3)) + 3*float64(min(commitment, 3))
	balanced := ratio >= minAgentShare && ratio <= maxAgentShare
	if balanced {
		quality += 10
	} else {
		quality -= 10
	}
	switch sentiment {
	case pipeline.SentimentPositive:
		quality += 5
	case pipeline.SentimentNegative:
		quality -= 5
	}

	res := &pipeline.ConversationAnalysis{
		QualityScore:    round1(clamp(quality, 0, 100)),
		AgentTalkRatio:  round2(ratio),
		QuestionCount:   questions,
		EngagementScore: round1(clamp(engagement, 0, 100)),
		Sentiment:       sentiment,
		KeyTopics:       topics(c.lower, s.lex.Topics, 5),
		Strengths:       []string{},
		Improvements:    []string{},
	}
	if questions >= 3 {
		res.Strengths = append(res.Strengths, "Asked discovery questions")
	} else {
		res.Improvements = append(res.Improvements, "Ask more open-ended discovery questions")
	}
	if balanced {
		res.Strengths = append(res.Strengths, "Balanced talk time")
	} else if ratio > maxAgentShare {
		res.Improvements = append(res.Improvements, "Let the prospect speak more")
	} else {
		res.Improvements = append(res.Improvements, "Guide the conversation more actively")
	}
	if rapport > 0 {
		res.Strengths = append(res.Strengths, "Built rapport early")
	}
	if commitment > 0 {
		res.Strengths = append(res.Strengths, "Secured a concrete next step")
	} else {
		res.Improvements = append(res.Improvements, "Close the call with a scheduled next step")
	}
	res.Insights = []string{
		fmt.Sprintf("Agent spoke %.0f%% of the words and asked %d questions", ratio*100, questions),
		fmt.Sprintf("Prospect sentiment was %s", sentiment),
	}
	if len(res.KeyTopics) > 0 {
		res.Insights = append(res.Insights, "Main topics: "+strings.Join(res.KeyTopics, ", "))
	}
	return res, nil
}

// topics returns up to n topic names found in s in lexicon order.
func topics(s string, all []Topic, n int) []string {
	out := []string{}
	for _, t := range all {
		if len(out) == n {
			break
		}
		if count(s, t.Phrases) > 0 {
			out = append(out, t.Name)
		}
	}
	return out
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
