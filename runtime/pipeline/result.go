package pipeline

import "time"

type (
	// StageStatus is the lifecycle state of a stage within a run.
	StageStatus string

	// Readiness categorizes how ready the prospect is to invest.
	Readiness string

	// StageRecord records the execution of one stage.
	StageRecord struct {
		Stage     StageID     `json:"stage"`
		Status    StageStatus `json:"status"`
		StartedAt time.Time   `json:"startedAt,omitzero"`
		EndedAt   time.Time   `json:"endedAt,omitzero"`
		// DurationMs is the stage wall-clock duration in milliseconds.
		DurationMs int64 `json:"durationMs"`
		// ElapsedMs is the run wall-clock time when the stage ended.
		ElapsedMs int64 `json:"elapsedMs"`
		// Confidence is reported by stages whose result implements
		// Confident.
		Confidence *float64 `json:"confidence,omitempty"`
		// Timeout is set when the stage exceeded its deadline.
		Timeout bool `json:"timeout,omitempty"`
	}

	// Analyses holds the six stage results.
	Analyses struct {
		Conversation  *ConversationAnalysis `json:"conversation"`
		Psychology    *PsychologyProfile    `json:"psychology"`
		Objections    *ObjectionInventory   `json:"objections"`
		DealRisk      *RiskAssessment       `json:"dealRisk"`
		ActionPlan    *ActionPlan           `json:"actionPlan"`
		Qualification *QualificationSummary `json:"qualification"`
	}

	// Summary aggregates the six stage results.
	Summary struct {
		OverallQualificationScore float64   `json:"overallQualificationScore"`
		InvestmentReadiness       Readiness `json:"investmentReadiness"`
		KeyInsights               []string  `json:"keyInsights"`
		CriticalActions           []string  `json:"criticalActions"`
		RiskLevel                 Level     `json:"riskLevel"`
		RecommendedNextSteps      []string  `json:"recommendedNextSteps"`
	}

	// Result is the outcome of a successful run. It is immutable once
	// returned.
	Result struct {
		SessionID string    `json:"sessionId"`
		Timestamp time.Time `json:"timestamp"`
		// ProcessingTime is the run duration in milliseconds.
		ProcessingTime int64         `json:"processingTime"`
		ExecutionOrder []StageID     `json:"executionOrder"`
		Stages         []StageRecord `json:"stages"`
		Analyses       Analyses      `json:"analyses"`
		Summary        Summary       `json:"summary"`
	}
)

// Stage statuses.
const (
	StatusPending    StageStatus = "pending"
	StatusProcessing StageStatus = "processing"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
)

// Readiness categories.
const (
	ReadinessHigh     Readiness = "high"
	ReadinessMedium   Readiness = "medium"
	ReadinessLow      Readiness = "low"
	ReadinessNotReady Readiness = "not-ready"
)
