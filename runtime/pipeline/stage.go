// Package pipeline runs the six ordered analysis stages over a validated
// transcript and aggregates their results into a Result.
//
// Stages execute strictly sequentially: stage n+1 starts only after the
// result of stage n has been validated and merged into the run Context. Each
// stage receives a snapshot of every prior result.
package pipeline

import (
	"context"

	"goa.design/callanalysis/runtime/transcript"
)

type (
	// StageID identifies an analysis stage.
	StageID string

	// Stage produces the result of one analysis stage.
	//
	// Contract:
	// - Run must honor ctx cancellation. The orchestrator abandons stages that
	//   outlive their deadline but cannot stop the goroutine.
	// - The returned result must report ID() from StageID().
	// - Implementations must not retain or mutate in.Prior.
	Stage interface {
		ID() StageID
		Run(ctx context.Context, in Input) (StageResult, error)
	}

	// StageFunc adapts a function into a Stage.
	StageFunc struct {
		StageID StageID
		Fn      func(ctx context.Context, in Input) (StageResult, error)
	}

	// Input is what a stage receives.
	Input struct {
		// SessionID identifies the caller session.
		SessionID string
		// Request is the validated request. Its Transcript is sanitized.
		Request transcript.Request
		// Prior holds the results of every stage that ran before this one.
		Prior *Context
	}

	// StageResult is the output of one stage. Implementations are pure
	// values: they never refer back into the pipeline.
	StageResult interface {
		// StageID returns the stage that produced the result.
		StageID() StageID
		// Validate reports out-of-range or missing values.
		Validate() error
	}

	// Confident is implemented by results that carry a confidence score
	// reported in the stage record.
	Confident interface {
		Confidence() float64
	}
)

// Stage identifiers.
const (
	StageConversation  StageID = "conversation"
	StagePsychology    StageID = "psychology"
	StageObjections    StageID = "objections"
	StageDealRisk      StageID = "dealRisk"
	StageActionPlan    StageID = "actionPlan"
	StageQualification StageID = "qualification"
)

// Order is the fixed execution order of the stages.
var Order = []StageID{
	StageConversation,
	StagePsychology,
	StageObjections,
	StageDealRisk,
	StageActionPlan,
	StageQualification,
}

// ExecutionOrder returns a copy of Order.
func ExecutionOrder() []StageID {
	return append([]StageID(nil), Order...)
}

// Valid reports whether id is one of the six stage identifiers.
func (id StageID) Valid() bool {
	for _, s := range Order {
		if s == id {
			return true
		}
	}
	return false
}

// ID implements Stage.
func (f StageFunc) ID() StageID { return f.StageID }

// Run implements Stage.
func (f StageFunc) Run(ctx context.Context, in Input) (StageResult, error) {
	return f.Fn(ctx, in)
}
