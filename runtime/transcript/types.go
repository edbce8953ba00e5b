// Package transcript validates and normalizes analysis requests: the call
// transcript and the optional call metadata.
package transcript

type (
	// Request is a validated analysis request. Values returned by
	// Validator.Validate are sanitized and must be treated as immutable.
	Request struct {
		// Transcript is the sanitized call transcript.
		Transcript string `json:"transcript"`
		// Metadata carries optional facts about the call.
		Metadata *Metadata `json:"metadata,omitempty"`
	}

	// Metadata describes the call. Every field is optional.
	Metadata struct {
		ProspectName         string               `json:"prospectName,omitempty"`
		AgentName            string               `json:"agentName,omitempty"`
		Age                  *int                 `json:"age,omitempty"`
		CallDurationMinutes  *float64             `json:"callDurationMinutes,omitempty"`
		FamilyMembers        *int                 `json:"familyMembers,omitempty"`
		RetirementStatus     RetirementStatus     `json:"retirementStatus,omitempty"`
		AccountTypes         []AccountType        `json:"accountTypes,omitempty"`
		InvestmentExperience InvestmentExperience `json:"investmentExperience,omitempty"`
		InterestLevel        InterestLevel        `json:"interestLevel,omitempty"`
		CallPurpose          CallPurpose          `json:"callPurpose,omitempty"`
		Concerns             string               `json:"concerns,omitempty"`
		Timeframe            string               `json:"timeframe,omitempty"`
		AccountValues        string               `json:"accountValues,omitempty"`
	}

	// RetirementStatus is the prospect's employment situation.
	RetirementStatus string
	// AccountType is a kind of financial account held by the prospect.
	AccountType string
	// InvestmentExperience is the prospect's self-described experience.
	InvestmentExperience string
	// InterestLevel is the stated interest of the prospect.
	InterestLevel string
	// CallPurpose is the reason for the call.
	CallPurpose string
)

// Retirement statuses.
const (
	RetirementEmployed      RetirementStatus = "employed"
	RetirementSelfEmployed  RetirementStatus = "self-employed"
	RetirementPreRetirement RetirementStatus = "pre-retirement"
	RetirementSemiRetired   RetirementStatus = "semi-retired"
	RetirementRetired       RetirementStatus = "retired"
	RetirementUnemployed    RetirementStatus = "unemployed"
)

// Account types.
const (
	Account401k      AccountType = "401k"
	Account403b      AccountType = "403b"
	Account457b      AccountType = "457b"
	AccountIRA       AccountType = "ira"
	AccountRothIRA   AccountType = "roth-ira"
	AccountSEPIRA    AccountType = "sep-ira"
	AccountBrokerage AccountType = "brokerage"
	AccountPension   AccountType = "pension"
	AccountAnnuity   AccountType = "annuity"
	AccountSavings   AccountType = "savings"
	AccountNone      AccountType = "none"
)

// Investment experience levels.
const (
	ExperienceNone         InvestmentExperience = "none"
	ExperienceBeginner     InvestmentExperience = "beginner"
	ExperienceIntermediate InvestmentExperience = "intermediate"
	ExperienceAdvanced     InvestmentExperience = "advanced"
	ExperienceProfessional InvestmentExperience = "professional"
)

// Interest levels.
const (
	InterestLow    InterestLevel = "low"
	InterestMedium InterestLevel = "medium"
	InterestHigh   InterestLevel = "high"
)

// Call purposes.
const (
	PurposeInitialConsultation CallPurpose = "initial-consultation"
	PurposeFollowUp            CallPurpose = "follow-up"
	PurposePortfolioReview     CallPurpose = "portfolio-review"
	PurposeRollover            CallPurpose = "rollover"
	PurposeRetirementPlanning  CallPurpose = "retirement-planning"
	PurposeOther               CallPurpose = "other"
)

// Transcript length bounds, in characters, applied after sanitization.
const (
	MinTranscriptLength = 100
	MaxTranscriptLength = 100000
)

// Interest returns the stated interest level or the empty string when no
// metadata was supplied.
func (r Request) Interest() InterestLevel {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.InterestLevel
}

// HasAccount reports whether the metadata lists the given account type.
func (m *Metadata) HasAccount(t AccountType) bool {
	if m == nil {
		return false
	}
	for _, a := range m.AccountTypes {
		if a == t {
			return true
		}
	}
	return false
}
