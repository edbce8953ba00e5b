package pipeline

import (
	"math"
	"strings"

	"goa.design/callanalysis/runtime/transcript"
)

// Summary weights. They sum to one.
const (
	WeightConversation = 0.3
	WeightPsychology   = 0.3
	WeightRisk         = 0.4

	// MaxSummaryItems caps every summary list.
	MaxSummaryItems = 5
)

// Readiness thresholds on the overall score.
const (
	ReadinessHighThreshold   = 80.0
	ReadinessMediumThreshold = 60.0
	ReadinessLowThreshold    = 40.0
)

// riskScores maps the deal risk level to its score contribution.
var riskScores = map[Level]float64{
	LevelLow:      85,
	LevelMedium:   60,
	LevelHigh:     35,
	LevelCritical: 10,
}

// RiskScore returns the score contribution of a deal risk level. Unknown
// levels score as critical.
func RiskScore(l Level) float64 {
	if s, ok := riskScores[l]; ok {
		return s
	}
	return riskScores[LevelCritical]
}

// Summarize computes the Summary of a run. It is a pure function of the
// request interest level and the six results: identical inputs always yield
// identical summaries. Missing results contribute zero.
func Summarize(req transcript.Request, a Analyses) Summary {
	score := OverallScore(a)
	interest := req.Interest()
	if interest == "" && a.Psychology != nil {
		interest = a.Psychology.InferredInterest
	}
	return Summary{
		OverallQualificationScore: score,
		InvestmentReadiness:       ReadinessFor(score, interest),
		KeyInsights:               keyInsights(a),
		CriticalActions:           criticalActions(a),
		RiskLevel:                 riskLevel(a),
		RecommendedNextSteps:      nextSteps(a),
	}
}

// OverallScore returns the weighted qualification score rounded to one
// decimal and clamped to [0, 100].
func OverallScore(a Analyses) float64 {
	var quality, confidence float64
	if a.Conversation != nil {
		quality = a.Conversation.QualityScore
	}
	if a.Psychology != nil {
		confidence = a.Psychology.ConfidenceScore
	}
	risk := RiskScore(LevelCritical)
	if a.DealRisk != nil {
		risk = RiskScore(a.DealRisk.RiskLevel)
	}
	s := WeightConversation*quality + WeightPsychology*confidence + WeightRisk*risk
	s = math.Round(s*10) / 10
	return math.Max(0, math.Min(100, s))
}

// ReadinessFor categorizes score. High readiness additionally requires a
// high interest level.
func ReadinessFor(score float64, interest transcript.InterestLevel) Readiness {
	switch {
	case score >= ReadinessHighThreshold && interest == transcript.InterestHigh:
		return ReadinessHigh
	case score >= ReadinessMediumThreshold:
		return ReadinessMedium
	case score >= ReadinessLowThreshold:
		return ReadinessLow
	default:
		return ReadinessNotReady
	}
}

// riskLevel escalates the deal risk level by one step when an objection of
// high or critical severity is unresolved.
func riskLevel(a Analyses) Level {
	level := LevelCritical
	if a.DealRisk != nil && a.DealRisk.RiskLevel.Valid() {
		level = a.DealRisk.RiskLevel
	}
	if a.Objections != nil {
		for _, o := range a.Objections.Objections {
			if !o.Resolved && o.Severity.AtLeast(LevelHigh) {
				return level.Escalate()
			}
		}
	}
	return level
}

func keyInsights(a Analyses) []string {
	var l boundedList
	if a.Qualification != nil {
		l.add(a.Qualification.Insights...)
	}
	if a.DealRisk != nil {
		l.add(a.DealRisk.Insights...)
	}
	if a.Psychology != nil {
		l.add(a.Psychology.Insights...)
	}
	if a.Objections != nil {
		l.add(a.Objections.Insights...)
	}
	if a.Conversation != nil {
		l.add(a.Conversation.Insights...)
	}
	return l.items()
}

func criticalActions(a Analyses) []string {
	var l boundedList
	if a.ActionPlan != nil {
		for _, p := range []Level{LevelCritical, LevelHigh} {
			for _, act := range a.ActionPlan.Actions {
				if act.Priority == p {
					l.add(act.Description)
				}
			}
		}
	}
	if a.DealRisk != nil {
		for _, f := range a.DealRisk.RiskFactors {
			if f.Severity.AtLeast(LevelHigh) {
				l.add(f.Mitigation)
			}
		}
	}
	return l.items()
}

func nextSteps(a Analyses) []string {
	var l boundedList
	if a.ActionPlan != nil {
		l.add(a.ActionPlan.NextSteps...)
	}
	if a.Qualification != nil {
		l.add(a.Qualification.Recommendation)
	}
	return l.items()
}

// boundedList collects distinct non-empty strings up to MaxSummaryItems.
type boundedList struct {
	vals []string
	seen map[string]struct{}
}

func (l *boundedList) add(vals ...string) {
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	for _, v := range vals {
		if len(l.vals) >= MaxSummaryItems {
			return
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := l.seen[v]; ok {
			continue
		}
		l.seen[v] = struct{}{}
		l.vals = append(l.vals, v)
	}
}

func (l *boundedList) items() []string {
	if l.vals == nil {
		return []string{}
	}
	return l.vals
}
