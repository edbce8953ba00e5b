package transcript

import (
	"fmt"
	"math"
	"strings"
)

type (
	// Rule identifies a business rule.
	Rule string

	// Action is the policy applied when a business rule fires.
	Action string

	// Policy maps business rules to actions. Rules missing from the map use
	// ActionWarn.
	Policy map[Rule]Action

	// Warning is a business rule that fired with ActionWarn.
	Warning struct {
		Rule    Rule   `json:"rule"`
		Field   string `json:"field,omitempty"`
		Message string `json:"message"`
	}

	finding struct {
		rule    Rule
		field   string
		message string
	}
)

// Business rules.
const (
	RuleWordCount         Rule = "transcript.word_count"
	RuleAgeRetirement     Rule = "metadata.age_retirement"
	RuleDurationPlausible Rule = "metadata.duration_plausibility"
	RuleExclusiveAccounts Rule = "metadata.account_exclusive"
)

// Policy actions.
const (
	// ActionWarn records the finding and accepts the request.
	ActionWarn Action = "warn"
	// ActionReject turns the finding into a validation failure.
	ActionReject Action = "reject"
	// ActionOff disables the rule.
	ActionOff Action = "off"
)

// Business rule thresholds.
const (
	MinPlausibleWords  = 50
	MaxPlausibleWords  = 20000
	WordsPerMinute     = 150.0
	DurationTolerance  = 0.5
	earlyRetirementAge = 50
	lateWorkingAge     = 85
	latePreRetireAge   = 75
)

// Rules lists every business rule in evaluation order.
var Rules = []Rule{RuleWordCount, RuleAgeRetirement, RuleDurationPlausible, RuleExclusiveAccounts}

// DefaultPolicy returns the policy warning on every rule.
func DefaultPolicy() Policy {
	p := make(Policy, len(Rules))
	for _, r := range Rules {
		p[r] = ActionWarn
	}
	return p
}

// ParseAction parses a policy action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionWarn, ActionReject, ActionOff:
		return a, nil
	}
	return "", fmt.Errorf("unknown rule action %q", s)
}

func (p Policy) action(r Rule) Action {
	if a, ok := p[r]; ok {
		return a
	}
	return ActionWarn
}

// WordCount returns the number of whitespace-separated words in s.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// checkRules evaluates every enabled business rule against a structurally
// valid, sanitized request.
func checkRules(p Policy, req Request, words int) []finding {
	var out []finding
	add := func(r Rule, field, msg string) {
		if p.action(r) == ActionOff {
			return
		}
		out = append(out, finding{rule: r, field: field, message: msg})
	}

	switch {
	case words < MinPlausibleWords:
		add(RuleWordCount, "transcript", fmt.Sprintf("transcript has %d words, fewer than the %d expected for a sales call", words, MinPlausibleWords))
	case words > MaxPlausibleWords:
		add(RuleWordCount, "transcript", fmt.Sprintf("transcript has %d words, more than the %d expected for a sales call", words, MaxPlausibleWords))
	}

	m := req.Metadata
	if m == nil {
		return out
	}
	if m.Age != nil {
		age := *m.Age
		switch {
		case (m.RetirementStatus == RetirementRetired || m.RetirementStatus == RetirementSemiRetired) && age < earlyRetirementAge:
			add(RuleAgeRetirement, "metadata.retirementStatus", fmt.Sprintf("retirement status %q is unusual at age %d", m.RetirementStatus, age))
		case m.RetirementStatus == RetirementPreRetirement && age >= latePreRetireAge:
			add(RuleAgeRetirement, "metadata.retirementStatus", fmt.Sprintf("retirement status %q is unusual at age %d", m.RetirementStatus, age))
		case m.RetirementStatus == RetirementEmployed && age >= lateWorkingAge:
			add(RuleAgeRetirement, "metadata.retirementStatus", fmt.Sprintf("retirement status %q is unusual at age %d", m.RetirementStatus, age))
		}
	}
	if m.CallDurationMinutes != nil && words > 0 {
		stated := *m.CallDurationMinutes
		estimated := float64(words) / WordsPerMinute
		if dev := math.Abs(stated-estimated) / estimated; dev > DurationTolerance {
			add(RuleDurationPlausible, "metadata.callDurationMinutes",
				fmt.Sprintf("stated duration %.1f min deviates %.0f%% from the %.1f min estimated at %.0f words per minute", stated, dev*100, estimated, WordsPerMinute))
		}
	}
	if m.HasAccount(AccountNone) && len(m.AccountTypes) > 1 {
		add(RuleExclusiveAccounts, "metadata.accountTypes", `account type "none" cannot be combined with other account types`)
	}
	return out
}
