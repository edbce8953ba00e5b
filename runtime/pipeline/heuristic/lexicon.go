package heuristic

// Lexicon holds the phrase lists the stages match against lowercased
// transcript text. It is read-only after construction and shared by every
// run.
type Lexicon struct {
	Positive     []string
	Negative     []string
	Interest     []string
	Disinterest  []string
	Conservative []string
	Aggressive   []string
	Analytical   []string
	Driver       []string
	Amiable      []string
	Expressive   []string
	Deliberate   []string
	Decisive     []string
	Motivators   map[string][]string
	Concerns     map[string][]string
	Topics       []Topic
	Objections   []ObjectionRule
	Handling     []string
	Rapport      []string
	Commitment   []string
}

// Topic is a named subject detected by any of its phrases.
type Topic struct {
	Name    string
	Phrases []string
}

// ObjectionRule detects one objection category.
type ObjectionRule struct {
	Category string
	Phrases  []string
	// Base is the severity of an objection in this category ("low" to
	// "critical").
	Base string
	// Response is the recommended way to handle the objection.
	Response string
}

// DefaultLexicon returns the built-in lexicon tuned for retirement and
// wealth management sales calls.
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		Positive:     []string{"great", "good", "sounds good", "makes sense", "helpful", "appreciate", "thank you", "thanks", "perfect", "excellent", "love", "happy", "glad", "comfortable"},
		Negative:     []string{"worried", "concerned", "confused", "frustrated", "upset", "annoyed", "scared", "afraid", "nervous", "unhappy", "disappointed", "don't like", "hate"},
		Interest:     []string{"interested", "sounds good", "makes sense", "tell me more", "how do i", "how would", "what would", "next step", "next steps", "sign up", "get started", "ready", "let's do", "i like"},
		Disinterest:  []string{"not interested", "no thanks", "no thank you", "maybe later", "not right now", "not sure", "just looking", "waste of time", "don't need", "call me back"},
		Conservative: []string{"conservative", "safe", "safety", "guarantee", "guaranteed", "protect", "preserve", "lose", "losing", "risk averse", "can't afford to lose", "stable", "security", "worried"},
		Aggressive:   []string{"aggressive", "growth", "high return", "higher return", "upside", "maximize", "beat the market", "crypto", "stocks", "risk tolerance is high"},
		Analytical:   []string{"how much", "percent", "fee", "fees", "numbers", "details", "compare", "data", "returns", "rate", "breakdown", "exactly"},
		Driver:       []string{"bottom line", "quickly", "fast", "just tell me", "decide", "decision", "results", "now", "today"},
		Amiable:      []string{"family", "kids", "grandkids", "wife", "husband", "spouse", "comfortable", "trust", "feel", "together"},
		Expressive:   []string{"excited", "dream", "travel", "vision", "love", "amazing", "can't wait", "fun"},
		Deliberate:   []string{"think about it", "think it over", "talk to my", "discuss with", "spouse", "wife", "husband", "sleep on it", "do some research", "get back to you"},
		Decisive:     []string{"let's do it", "let's do", "sign me up", "ready to", "go ahead", "move forward", "get started", "today"},
		Motivators: map[string][]string{
			"retirement security": {"retire", "retirement", "income", "social security", "pension"},
			"family legacy":       {"kids", "grandkids", "family", "legacy", "estate", "inheritance"},
			"capital protection":  {"protect", "safe", "guarantee", "preserve", "lose"},
			"growth":              {"growth", "grow", "return", "returns", "upside"},
			"simplicity":          {"consolidate", "simplify", "one place", "easier", "rollover", "roll over"},
		},
		Concerns: map[string][]string{
			"market volatility": {"market", "crash", "volatile", "volatility", "downturn", "recession"},
			"fees":              {"fee", "fees", "cost", "expensive", "commission"},
			"outliving savings": {"outlive", "run out", "last long enough", "enough money"},
			"taxes":             {"tax", "taxes", "irs", "penalty"},
			"healthcare costs":  {"medical", "healthcare", "health care", "long-term care"},
		},
		Topics: []Topic{
			{Name: "retirement planning", Phrases: []string{"retire", "retirement"}},
			{Name: "401k rollover", Phrases: []string{"401k", "401(k)", "rollover", "roll over", "403b", "457b"}},
			{Name: "fees", Phrases: []string{"fee", "fees", "cost", "commission"}},
			{Name: "market risk", Phrases: []string{"market", "volatile", "crash", "downturn"}},
			{Name: "income planning", Phrases: []string{"income", "social security", "pension", "annuity"}},
			{Name: "taxes", Phrases: []string{"tax", "taxes", "roth"}},
			{Name: "estate planning", Phrases: []string{"estate", "legacy", "inheritance", "beneficiary"}},
			{Name: "insurance", Phrases: []string{"insurance", "long-term care"}},
		},
		Objections: []ObjectionRule{
			{Category: "fees", Base: "medium", Phrases: []string{"too expensive", "fees are high", "fees seem high", "high fees", "what are the fees", "how much does it cost", "commission"},
				Response: "Break down every fee in writing and compare total cost against the current plan."},
			{Category: "risk", Base: "high", Phrases: []string{"lose money", "losing money", "lose it", "market crash", "too risky", "afraid of losing", "can't afford to lose", "worried about the market"},
				Response: "Show capital preservation options and stress-test the plan against a downturn."},
			{Category: "trust", Base: "high", Phrases: []string{"don't trust", "scam", "never heard of", "how do i know", "bad experience", "burned before"},
				Response: "Share credentials, regulatory registration and client references."},
			{Category: "timing", Base: "medium", Phrases: []string{"not right now", "maybe later", "next year", "not ready", "bad time", "call me back", "need more time"},
				Response: "Agree on a concrete follow-up date and explain the cost of waiting."},
			{Category: "authority", Base: "medium", Phrases: []string{"talk to my wife", "talk to my husband", "talk to my spouse", "discuss with my", "ask my accountant", "my son handles"},
				Response: "Offer a joint meeting that includes every decision maker."},
			{Category: "need", Base: "low", Phrases: []string{"already have an advisor", "happy with my", "don't need", "doing fine", "already handled"},
				Response: "Run a no-obligation review of the current plan to surface gaps."},
			{Category: "complexity", Base: "low", Phrases: []string{"confusing", "don't understand", "too complicated", "over my head"},
				Response: "Simplify the recommendation into one page with a single next step."},
		},
		Handling:   []string{"i understand", "that's a great question", "great question", "that makes sense", "let me explain", "let me show", "fair concern", "that's fair", "many clients", "good point", "i hear you", "no pressure"},
		Rapport:    []string{"how are you", "thank you for", "thanks for", "nice to", "appreciate", "tell me about"},
		Commitment: []string{"schedule", "next step", "follow up", "follow-up", "send you", "meeting", "appointment", "paperwork"},
	}
}
