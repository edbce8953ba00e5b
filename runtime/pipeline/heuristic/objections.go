package heuristic

import (
	"context"
	"fmt"
	"strings"

	"goa.design/callanalysis/runtime/pipeline"
)

// ObjectionsStage inventories the objections raised by the prospect and
// whether the agent handled them.
type ObjectionsStage struct {
	lex *Lexicon
}

// ID implements pipeline.Stage.
func (*ObjectionsStage) ID() pipeline.StageID { return pipeline.StageObjections }

// Run implements pipeline.Stage.
func (s *ObjectionsStage) Run(ctx context.Context, in pipeline.Input) (pipeline.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := parse(in.Request.Transcript)
	var concerns string
	if in.Request.Metadata != nil {
		concerns = strings.ToLower(in.Request.Metadata.Concerns)
	}

	res := &pipeline.ObjectionInventory{Objections: []pipeline.Objection{}}
	for _, rule := range s.lex.Objections {
		idx, phrase := -1, ""
		mentions := 0
		for i, t := range c.turns {
			if c.labeled && t.speaker != speakerProspect {
				continue
			}
			hit := ""
			for _, p := range rule.Phrases {
				if countPhrase(t.lower, p) > 0 {
					hit = p
					break
				}
			}
			if hit == "" {
				continue
			}
			mentions++
			if idx < 0 {
				idx, phrase = i, hit
			}
		}
		if idx < 0 {
			continue
		}
		severity := pipeline.Level(rule.Base)
		if mentions > 1 || (concerns != "" && count(concerns, rule.Phrases) > 0) {
			severity = severity.Escalate()
		}
		resolved := s.handled(c, idx)
		obj := pipeline.Objection{
			Category:  rule.Category,
			Statement: truncate(statement(c.turns[idx].text, phrase), 200),
			Severity:  severity,
			Resolved:  resolved,
			Response:  rule.Response,
		}
		res.Objections = append(res.Objections, obj)
		if !resolved {
			res.UnresolvedCount++
		}
	}

	total := len(res.Objections)
	if total == 0 {
		res.HandlingScore = 80
		res.Insights = []string{"No explicit objections were raised"}
		return res, nil
	}
	resolved := total - res.UnresolvedCount
	res.HandlingScore = round1(clamp(30+60*float64(resolved)/float64(total)+2*float64(min(count(c.text(speakerAgent), s.lex.Handling), 5)), 0, 100))

	res.Insights = []string{fmt.Sprintf("%d of %d objections were addressed", resolved, total)}
	for _, o := range res.Objections {
		if !o.Resolved && o.Severity.AtLeast(pipeline.LevelHigh) {
			res.Insights = append(res.Insights, fmt.Sprintf("Unresolved %s objection (%s severity)", o.Category, o.Severity))
		}
	}
	if p := in.Prior.Psychology(); p != nil && p.RiskTolerance == pipeline.ToleranceConservative {
		for _, o := range res.Objections {
			if o.Category == "risk" {
				res.Insights = append(res.Insights, "Risk objection is consistent with a conservative profile")
				break
			}
		}
	}
	return res, nil
}

// handled reports whether an agent turn following turn idx acknowledged the
// objection. Unlabeled transcripts count any handling phrase.
func (s *ObjectionsStage) handled(c call, idx int) bool {
	if !c.labeled {
		return count(c.lower, s.lex.Handling) > 0
	}
	for _, t := range c.turns[idx+1:] {
		if t.speaker == speakerAgent {
			return count(t.lower, s.lex.Handling) > 0
		}
	}
	return false
}

// statement returns the sentence of text containing phrase.
func statement(text, phrase string) string {
	for _, sen := range sentences(text) {
		if strings.Contains(strings.ToLower(sen), phrase) {
			return sen
		}
	}
	return strings.TrimSpace(text)
}
