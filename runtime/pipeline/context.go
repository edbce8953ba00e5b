package pipeline

import (
	"fmt"

	"goa.design/callanalysis/runtime/transcript"
)

// Context accumulates the results of one run. It is owned by a single run:
// the orchestrator is the only writer and each stage receives a snapshot.
// Results are set exactly once, in Order.
type Context struct {
	req     transcript.Request
	results map[StageID]StageResult
	order   []StageID
}

// NewContext returns an empty Context for req.
func NewContext(req transcript.Request) *Context {
	return &Context{req: req, results: make(map[StageID]StageResult, len(Order))}
}

// Request returns the request being analyzed.
func (c *Context) Request() transcript.Request { return c.req }

// Result returns the result of stage id.
func (c *Context) Result(id StageID) (StageResult, bool) {
	r, ok := c.results[id]
	return r, ok
}

// Completed returns the completed stages in execution order.
func (c *Context) Completed() []StageID {
	return append([]StageID(nil), c.order...)
}

// Len returns the number of completed stages.
func (c *Context) Len() int { return len(c.order) }

// Conversation returns the conversation result or nil.
func (c *Context) Conversation() *ConversationAnalysis {
	r, _ := c.results[StageConversation].(*ConversationAnalysis)
	return r
}

// Psychology returns the psychology result or nil.
func (c *Context) Psychology() *PsychologyProfile {
	r, _ := c.results[StagePsychology].(*PsychologyProfile)
	return r
}

// Objections returns the objections result or nil.
func (c *Context) Objections() *ObjectionInventory {
	r, _ := c.results[StageObjections].(*ObjectionInventory)
	return r
}

// DealRisk returns the deal risk result or nil.
func (c *Context) DealRisk() *RiskAssessment {
	r, _ := c.results[StageDealRisk].(*RiskAssessment)
	return r
}

// ActionPlan returns the action plan result or nil.
func (c *Context) ActionPlan() *ActionPlan {
	r, _ := c.results[StageActionPlan].(*ActionPlan)
	return r
}

// Qualification returns the qualification result or nil.
func (c *Context) Qualification() *QualificationSummary {
	r, _ := c.results[StageQualification].(*QualificationSummary)
	return r
}

// Analyses returns the completed results keyed by stage.
func (c *Context) Analyses() Analyses {
	return Analyses{
		Conversation:  c.Conversation(),
		Psychology:    c.Psychology(),
		Objections:    c.Objections(),
		DealRisk:      c.DealRisk(),
		ActionPlan:    c.ActionPlan(),
		Qualification: c.Qualification(),
	}
}

// snapshot returns a copy sharing the immutable results.
func (c *Context) snapshot() *Context {
	out := &Context{
		req:     c.req,
		results: make(map[StageID]StageResult, len(c.results)),
		order:   append([]StageID(nil), c.order...),
	}
	for k, v := range c.results {
		out.results[k] = v
	}
	return out
}

// set merges the result of the next stage in Order.
func (c *Context) set(r StageResult) error {
	if len(c.order) >= len(Order) {
		return fmt.Errorf("all stages already completed")
	}
	want := Order[len(c.order)]
	if r.StageID() != want {
		return fmt.Errorf("%w: result of stage %q where %q was expected", ErrMalformedResult, r.StageID(), want)
	}
	c.results[want] = r
	c.order = append(c.order, want)
	return nil
}
