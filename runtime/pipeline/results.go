package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"goa.design/callanalysis/runtime/transcript"
)

type (
	// Level is an ordered severity used for risk, priority and objection
	// severity.
	Level string

	// Sentiment is the overall tone of the prospect.
	Sentiment string

	// RiskTolerance is the prospect's inferred appetite for risk.
	RiskTolerance string

	// ConversationAnalysis measures the quality of the conversation.
	ConversationAnalysis struct {
		// QualityScore rates the conversation from 0 to 100.
		QualityScore float64 `json:"qualityScore"`
		// AgentTalkRatio is the share of words spoken by the agent (0 to 1).
		AgentTalkRatio float64 `json:"agentTalkRatio"`
		// QuestionCount is the number of questions asked by the agent.
		QuestionCount int `json:"questionCount"`
		// EngagementScore rates prospect engagement from 0 to 100.
		EngagementScore float64   `json:"engagementScore"`
		Sentiment       Sentiment `json:"sentiment"`
		KeyTopics       []string  `json:"keyTopics"`
		Strengths       []string  `json:"strengths"`
		Improvements    []string  `json:"improvements"`
		Insights        []string  `json:"insights"`
	}

	// PsychologyProfile describes how the prospect makes decisions.
	PsychologyProfile struct {
		PersonalityType string        `json:"personalityType"`
		DecisionStyle   string        `json:"decisionStyle"`
		RiskTolerance   RiskTolerance `json:"riskTolerance"`
		// ConfidenceScore rates the reliability of the profile from 0 to 100.
		ConfidenceScore float64 `json:"confidenceScore"`
		// InferredInterest is the interest level read from the transcript. It
		// is used when the request metadata does not state one.
		InferredInterest  transcript.InterestLevel `json:"inferredInterest"`
		Motivators        []string                 `json:"motivators"`
		Concerns          []string                 `json:"concerns"`
		CommunicationTips []string                 `json:"communicationTips"`
		Insights          []string                 `json:"insights"`
	}

	// Objection is one objection raised by the prospect.
	Objection struct {
		Category  string `json:"category"`
		Statement string `json:"statement"`
		Severity  Level  `json:"severity"`
		Resolved  bool   `json:"resolved"`
		Response  string `json:"response"`
	}

	// ObjectionInventory lists the objections raised during the call.
	ObjectionInventory struct {
		Objections      []Objection `json:"objections"`
		UnresolvedCount int         `json:"unresolvedCount"`
		// HandlingScore rates how well the agent handled objections (0 to
		// 100).
		HandlingScore float64  `json:"handlingScore"`
		Insights      []string `json:"insights"`
	}

	// RiskFactor is one factor threatening the deal.
	RiskFactor struct {
		Factor     string `json:"factor"`
		Severity   Level  `json:"severity"`
		Mitigation string `json:"mitigation"`
	}

	// RiskAssessment estimates the risk of losing the deal.
	RiskAssessment struct {
		RiskLevel Level `json:"riskLevel"`
		// CloseProbability is the estimated probability of closing (0 to 100).
		CloseProbability float64      `json:"closeProbability"`
		RiskFactors      []RiskFactor `json:"riskFactors"`
		Insights         []string     `json:"insights"`
	}

	// Action is one follow-up action.
	Action struct {
		Description   string `json:"description"`
		Priority      Level  `json:"priority"`
		Owner         string `json:"owner"`
		DueWithinDays int    `json:"dueWithinDays"`
	}

	// ActionPlan lists the follow-up actions.
	ActionPlan struct {
		Actions          []Action `json:"actions"`
		NextSteps        []string `json:"nextSteps"`
		FollowUpTimeline string   `json:"followUpTimeline"`
		Insights         []string `json:"insights"`
	}

	// QualificationSummary is the final scoring synthesizing every prior
	// stage.
	QualificationSummary struct {
		// Score rates the prospect from 0 to 100.
		Score          float64  `json:"score"`
		Qualified      bool     `json:"qualified"`
		Tier           string   `json:"tier"`
		Strengths      []string `json:"strengths"`
		Gaps           []string `json:"gaps"`
		Recommendation string   `json:"recommendation"`
		Insights       []string `json:"insights"`
	}
)

// Levels in increasing order.
const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Sentiments.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Risk tolerances.
const (
	ToleranceConservative RiskTolerance = "conservative"
	ToleranceModerate     RiskTolerance = "moderate"
	ToleranceAggressive   RiskTolerance = "aggressive"
)

// ErrMalformedResult indicates a stage returned a result that fails
// validation.
var ErrMalformedResult = errors.New("malformed stage result")

var levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Rank returns the position of l in increasing severity order or -1 when l
// is not a valid level.
func (l Level) Rank() int {
	for i, v := range levels {
		if v == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.Rank() >= 0 }

// AtLeast reports whether l is at least as severe as other.
func (l Level) AtLeast(other Level) bool { return l.Rank() >= other.Rank() }

// Escalate returns the next level, saturating at LevelCritical.
func (l Level) Escalate() Level {
	r := l.Rank()
	if r < 0 {
		return l
	}
	if r+1 >= len(levels) {
		return LevelCritical
	}
	return levels[r+1]
}

// StageID implements StageResult.
func (*ConversationAnalysis) StageID() StageID { return StageConversation }

// StageID implements StageResult.
func (*PsychologyProfile) StageID() StageID { return StagePsychology }

// StageID implements StageResult.
func (*ObjectionInventory) StageID() StageID { return StageObjections }

// StageID implements StageResult.
func (*RiskAssessment) StageID() StageID { return StageDealRisk }

// StageID implements StageResult.
func (*ActionPlan) StageID() StageID { return StageActionPlan }

// StageID implements StageResult.
func (*QualificationSummary) StageID() StageID { return StageQualification }

// Confidence implements Confident.
func (p *PsychologyProfile) Confidence() float64 { return p.ConfidenceScore }

// Confidence implements Confident. It reports the qualification score.
func (q *QualificationSummary) Confidence() float64 { return q.Score }

// Validate implements StageResult.
func (c *ConversationAnalysis) Validate() error {
	var errs []error
	errs = append(errs,
		score("qualityScore", c.QualityScore),
		score("engagementScore", c.EngagementScore),
		between("agentTalkRatio", c.AgentTalkRatio, 0, 1),
	)
	if c.QuestionCount < 0 {
		errs = append(errs, fmt.Errorf("questionCount %d is negative", c.QuestionCount))
	}
	switch c.Sentiment {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
	default:
		errs = append(errs, fmt.Errorf("unknown sentiment %q", c.Sentiment))
	}
	return joinMalformed(errs)
}

// Validate implements StageResult.
func (p *PsychologyProfile) Validate() error {
	var errs []error
	errs = append(errs,
		score("confidenceScore", p.ConfidenceScore),
		required("personalityType", p.PersonalityType),
		required("decisionStyle", p.DecisionStyle),
	)
	switch p.RiskTolerance {
	case ToleranceConservative, ToleranceModerate, ToleranceAggressive:
	default:
		errs = append(errs, fmt.Errorf("unknown riskTolerance %q", p.RiskTolerance))
	}
	switch p.InferredInterest {
	case transcript.InterestLow, transcript.InterestMedium, transcript.InterestHigh:
	default:
		errs = append(errs, fmt.Errorf("unknown inferredInterest %q", p.InferredInterest))
	}
	return joinMalformed(errs)
}

// Validate implements StageResult.
func (o *ObjectionInventory) Validate() error {
	var errs []error
	errs = append(errs, score("handlingScore", o.HandlingScore))
	unresolved := 0
	for i, obj := range o.Objections {
		if !obj.Severity.Valid() {
			errs = append(errs, fmt.Errorf("objections[%d]: unknown severity %q", i, obj.Severity))
		}
		if !obj.Resolved {
			unresolved++
		}
	}
	if unresolved != o.UnresolvedCount {
		errs = append(errs, fmt.Errorf("unresolvedCount %d does not match %d unresolved objections", o.UnresolvedCount, unresolved))
	}
	return joinMalformed(errs)
}

// Validate implements StageResult.
func (r *RiskAssessment) Validate() error {
	var errs []error
	if !r.RiskLevel.Valid() {
		errs = append(errs, fmt.Errorf("unknown riskLevel %q", r.RiskLevel))
	}
	errs = append(errs, score("closeProbability", r.CloseProbability))
	for i, f := range r.RiskFactors {
		if !f.Severity.Valid() {
			errs = append(errs, fmt.Errorf("riskFactors[%d]: unknown severity %q", i, f.Severity))
		}
	}
	return joinMalformed(errs)
}

// Validate implements StageResult.
func (a *ActionPlan) Validate() error {
	var errs []error
	for i, act := range a.Actions {
		if !act.Priority.Valid() {
			errs = append(errs, fmt.Errorf("actions[%d]: unknown priority %q", i, act.Priority))
		}
		if strings.TrimSpace(act.Description) == "" {
			errs = append(errs, fmt.Errorf("actions[%d]: description is required", i))
		}
		if act.DueWithinDays < 0 {
			errs = append(errs, fmt.Errorf("actions[%d]: dueWithinDays %d is negative", i, act.DueWithinDays))
		}
	}
	return joinMalformed(errs)
}

// Validate implements StageResult.
func (q *QualificationSummary) Validate() error {
	return joinMalformed([]error{
		score("score", q.Score),
		required("tier", q.Tier),
		required("recommendation", q.Recommendation),
	})
}

func score(name string, v float64) error {
	return between(name, v, 0, 100)
}

func between(name string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%s %v is outside [%v, %v]", name, v, lo, hi)
	}
	return nil
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func joinMalformed(errs []error) error {
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	return nil
}
