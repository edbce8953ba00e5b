// Package llm implements the analysis stages on top of a model.Client. Each
// stage renders its prompt from the shared prompt table, extracts the JSON
// object from the completion, validates it against the stage output schema
// and decodes it into the typed stage result. Provider throttling, transient
// failures and malformed outputs are retried with exponential backoff; on a
// malformed output the next attempt tells the model what was wrong.
package llm

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/callanalysis/runtime/model"
	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/prompts"
	"goa.design/callanalysis/runtime/retry"
	"goa.design/callanalysis/runtime/schema"
	"goa.design/callanalysis/runtime/telemetry"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	// DefaultMaxTokens caps each stage completion.
	DefaultMaxTokens = 2048
	// DefaultTemperature keeps stage outputs close to deterministic.
	DefaultTemperature = 0.2
)

type (
	// Executor runs the model-backed stages. It is safe for concurrent use.
	Executor struct {
		client      model.Client
		prompts     *prompts.Table
		schemas     map[pipeline.StageID]*jsonschema.Schema
		model       string
		maxTokens   int
		temperature float32
		retry       retry.Policy
		logger      telemetry.Logger
	}

	// Option configures an Executor.
	Option func(*Executor)

	// OutputError reports a completion that could not be turned into a valid
	// stage result. It is retryable: models usually correct themselves when
	// told what was wrong.
	OutputError struct {
		Stage  pipeline.StageID
		Issues []schema.Issue
		Cause  error
	}
)

// WithModel overrides the provider default model identifier.
func WithModel(id string) Option {
	return func(e *Executor) { e.model = id }
}

// WithMaxTokens sets the completion cap of every stage.
func WithMaxTokens(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature of every stage.
func WithTemperature(t float32) Option {
	return func(e *Executor) { e.temperature = t }
}

// WithRetry sets the retry policy applied to each stage.
func WithRetry(p retry.Policy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithLogger sets the logger used to report retries.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an executor using client and the prompt table tbl.
func New(client model.Client, tbl *prompts.Table, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, errors.New("llm: model client is required")
	}
	if tbl == nil {
		return nil, errors.New("llm: prompt table is required")
	}
	e := &Executor{
		client:      client,
		prompts:     tbl,
		schemas:     make(map[pipeline.StageID]*jsonschema.Schema, len(pipeline.Order)),
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
		retry:       retry.DefaultPolicy(),
		logger:      telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	for _, id := range pipeline.Order {
		name := "schemas/" + string(id) + ".json"
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("llm: read output schema: %w", err)
		}
		s, err := schema.Compile(name, raw)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		e.schemas[id] = s
	}
	return e, nil
}

// Stages returns the six model-backed stages in execution order.
func (e *Executor) Stages() []pipeline.Stage {
	stages := make([]pipeline.Stage, 0, len(pipeline.Order))
	for _, id := range pipeline.Order {
		stages = append(stages, pipeline.StageFunc{
			StageID: id,
			Fn: func(ctx context.Context, in pipeline.Input) (pipeline.StageResult, error) {
				return e.Run(ctx, id, in)
			},
		})
	}
	return stages
}

// Run executes stage id against in.
func (e *Executor) Run(ctx context.Context, id pipeline.StageID, in pipeline.Input) (pipeline.StageResult, error) {
	system, user, err := e.prompts.Render(id, prompts.NewData(in))
	if err != nil {
		return nil, err
	}
	req := &model.Request{
		Model: e.model,
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: system},
			{Role: model.RoleUser, Content: user},
		},
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
	policy := e.retry
	policy.Notify = func(a retry.Attempt) {
		e.logger.Warn(ctx, "retrying stage", "stage", string(id), "attempt", a.N, "wait", a.Wait, "err", a.Err)
	}

	var result pipeline.StageResult
	err = retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		resp, err := e.client.Complete(ctx, req)
		if err != nil {
			return err
		}
		text := resp.Text()
		r, err := e.decode(id, text)
		if err != nil {
			var oerr *OutputError
			if errors.As(err, &oerr) {
				req = correct(req, text, oerr)
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", id, err)
	}
	return result, nil
}

func (e *Executor) decode(id pipeline.StageID, text string) (pipeline.StageResult, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, &OutputError{Stage: id, Cause: err}
	}
	issues, err := schema.Validate(e.schemas[id], raw)
	if err != nil {
		return nil, &OutputError{Stage: id, Cause: err}
	}
	if len(issues) > 0 {
		return nil, &OutputError{Stage: id, Issues: issues}
	}
	r := newResult(id)
	if r == nil {
		return nil, fmt.Errorf("llm: unknown stage %q", id)
	}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, &OutputError{Stage: id, Cause: err}
	}
	normalize(r)
	if err := r.Validate(); err != nil {
		return nil, &OutputError{Stage: id, Cause: err}
	}
	return r, nil
}

func newResult(id pipeline.StageID) pipeline.StageResult {
	switch id {
	case pipeline.StageConversation:
		return &pipeline.ConversationAnalysis{}
	case pipeline.StagePsychology:
		return &pipeline.PsychologyProfile{}
	case pipeline.StageObjections:
		return &pipeline.ObjectionInventory{}
	case pipeline.StageDealRisk:
		return &pipeline.RiskAssessment{}
	case pipeline.StageActionPlan:
		return &pipeline.ActionPlan{}
	case pipeline.StageQualification:
		return &pipeline.QualificationSummary{}
	default:
		return nil
	}
}

// normalize repairs inconsistencies models commonly produce and that can be
// derived from the rest of the output.
func normalize(r pipeline.StageResult) {
	if inv, ok := r.(*pipeline.ObjectionInventory); ok {
		n := 0
		for _, o := range inv.Objections {
			if !o.Resolved {
				n++
			}
		}
		inv.UnresolvedCount = n
	}
}

// correct returns a copy of req with the rejected completion and a
// correction appended.
func correct(req *model.Request, text string, oerr *OutputError) *model.Request {
	next := *req
	next.Messages = append(append([]*model.Message(nil), req.Messages[:2]...),
		&model.Message{Role: model.RoleAssistant, Content: text},
		&model.Message{Role: model.RoleUser, Content: "Your previous answer was rejected: " + oerr.Detail() +
			". Reply again with a single corrected JSON object only."},
	)
	return &next
}

// ExtractJSON returns the first JSON object in text. Markdown code fences
// and text around the object are ignored.
func ExtractJSON(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errors.New("no JSON object in completion")
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode completion JSON: %w", err)
	}
	return raw, nil
}

// Error implements error.
func (e *OutputError) Error() string {
	return fmt.Sprintf("stage %s: invalid model output: %s", e.Stage, e.Detail())
}

// Detail describes what was wrong with the output.
func (e *OutputError) Detail() string {
	if len(e.Issues) == 0 {
		if e.Cause != nil {
			return e.Cause.Error()
		}
		return "unknown error"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		path := is.Path
		if path == "" {
			path = "(root)"
		}
		parts = append(parts, path+" "+is.Message)
	}
	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying cause.
func (e *OutputError) Unwrap() error { return e.Cause }

// Retryable implements retry.Retryable.
func (*OutputError) Retryable() bool { return true }
