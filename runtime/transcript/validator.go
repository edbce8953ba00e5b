package transcript

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/callanalysis/runtime/audit"
	"goa.design/callanalysis/runtime/schema"
	"goa.design/callanalysis/runtime/telemetry"
)

//go:embed schema/request.json
var requestSchema []byte

type (
	// Validator validates raw analysis requests. It is safe for concurrent
	// use.
	Validator struct {
		schema *jsonschema.Schema
		policy Policy
		sink   audit.Sink
		fp     *audit.Fingerprinter
		logger telemetry.Logger
	}

	// Report describes an accepted request.
	Report struct {
		// Words is the word count of the sanitized transcript.
		Words int
		// Sanitized is true when sanitization changed the transcript.
		Sanitized bool
		// Fingerprint identifies the sanitized transcript in audit records.
		Fingerprint string
		// Warnings lists business rules that fired with ActionWarn.
		Warnings []Warning
	}

	// Option configures a Validator.
	Option func(*Validator)
)

// InputSchema returns the JSON Schema of analysis requests.
func InputSchema() json.RawMessage {
	return append(json.RawMessage(nil), requestSchema...)
}

// WithPolicy sets the business rule policy.
func WithPolicy(p Policy) Option {
	return func(v *Validator) {
		if p != nil {
			v.policy = p
		}
	}
}

// WithAuditSink sets the sink receiving rejected and flagged inputs.
func WithAuditSink(s audit.Sink) Option {
	return func(v *Validator) {
		if s != nil {
			v.sink = s
		}
	}
}

// WithFingerprinter sets the transcript fingerprinter used in audit records.
func WithFingerprinter(f *audit.Fingerprinter) Option {
	return func(v *Validator) {
		if f != nil {
			v.fp = f
		}
	}
}

// WithLogger sets the logger used to report audit sink failures.
func WithLogger(l telemetry.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewValidator compiles the request schema and returns a Validator.
func NewValidator(opts ...Option) (*Validator, error) {
	s, err := schema.Compile("request.json", requestSchema)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		schema: s,
		policy: DefaultPolicy(),
		sink:   audit.Discard(),
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Validate checks raw against the request schema, sanitizes the transcript,
// re-checks its length and evaluates the business rules. It returns either a
// valid Request or a *ValidationError listing every violation. Rejected and
// flagged inputs are recorded on the audit sink.
func (v *Validator) Validate(ctx context.Context, raw json.RawMessage) (Request, Report, error) {
	issues, err := schema.Validate(v.schema, raw)
	if err != nil {
		verr := &ValidationError{Violations: []Violation{{Rule: "json", Message: "arguments are not valid JSON"}}}
		v.record(ctx, audit.EventValidationRejected, "", verr.Violations, nil)
		return Request{}, Report{}, verr
	}
	if len(issues) > 0 {
		verr := &ValidationError{Violations: make([]Violation, 0, len(issues))}
		for _, is := range issues {
			verr.Violations = append(verr.Violations, Violation{Field: is.Path, Rule: is.Keyword, Message: is.Message})
		}
		v.record(ctx, audit.EventValidationRejected, v.fingerprintRaw(raw), verr.Violations, nil)
		return Request{}, Report{}, verr
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		// The schema accepted the document so this only happens on numeric
		// overflow of typed fields.
		verr := &ValidationError{Violations: []Violation{{Rule: "type", Message: fmt.Sprintf("arguments do not decode: %v", err)}}}
		v.record(ctx, audit.EventValidationRejected, "", verr.Violations, nil)
		return Request{}, Report{}, verr
	}

	clean := Sanitize(req.Transcript)
	rep := Report{Sanitized: clean != req.Transcript}
	req.Transcript = clean
	rep.Fingerprint = v.fp.Sum(clean)

	var violations []Violation
	switch n := utf8.RuneCountInString(clean); {
	case n == 0:
		violations = append(violations, Violation{Field: "transcript", Rule: "transcript.empty", Message: "transcript is empty after removing markup"})
	case n < MinTranscriptLength:
		violations = append(violations, Violation{Field: "transcript", Rule: "minLength",
			Message: fmt.Sprintf("transcript has %d characters after sanitization, minimum is %d", n, MinTranscriptLength)})
	case n > MaxTranscriptLength:
		violations = append(violations, Violation{Field: "transcript", Rule: "maxLength",
			Message: fmt.Sprintf("transcript has %d characters after sanitization, maximum is %d", n, MaxTranscriptLength)})
	}

	rep.Words = WordCount(clean)
	if clean != "" {
		for _, f := range checkRules(v.policy, req, rep.Words) {
			if v.policy.action(f.rule) == ActionReject {
				violations = append(violations, Violation{Field: f.field, Rule: string(f.rule), Message: f.message})
				continue
			}
			rep.Warnings = append(rep.Warnings, Warning{Rule: f.rule, Field: f.field, Message: f.message})
		}
	}

	if len(violations) > 0 {
		verr := &ValidationError{Violations: violations}
		v.record(ctx, audit.EventValidationRejected, rep.Fingerprint, violations, rep.Warnings)
		return Request{}, Report{}, verr
	}
	if len(rep.Warnings) > 0 {
		v.record(ctx, audit.EventValidationFlagged, rep.Fingerprint, nil, rep.Warnings)
	}
	return req, rep, nil
}

// fingerprintRaw fingerprints the unsanitized transcript of a structurally
// invalid request when it is at least a string.
func (v *Validator) fingerprintRaw(raw json.RawMessage) string {
	var doc struct {
		Transcript *string `json:"transcript"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Transcript == nil {
		return ""
	}
	return v.fp.Sum(*doc.Transcript)
}

func (v *Validator) record(ctx context.Context, typ audit.EventType, fingerprint string, violations []Violation, warnings []Warning) {
	ev := audit.NewEvent(ctx, typ)
	ev.Fingerprint = fingerprint
	for _, vi := range violations {
		ev.Findings = append(ev.Findings, audit.Finding{Field: vi.Field, Rule: vi.Rule, Severity: audit.SeverityError, Message: auditMessage(vi.Rule)})
	}
	for _, w := range warnings {
		ev.Findings = append(ev.Findings, audit.Finding{Field: w.Field, Rule: string(w.Rule), Severity: audit.SeverityWarning, Message: auditMessage(string(w.Rule))})
	}
	if err := v.sink.Record(ctx, ev); err != nil {
		v.logger.Warn(ctx, "audit sink failed", "audit_type", string(typ), "err", err)
	}
}

// auditMessages are the finding texts written to the audit sink. Unlike the
// violation messages returned to the caller they never quote counts or values
// derived from the request.
var auditMessages = map[string]string{
	"json":                        "arguments are not valid JSON",
	"type":                        "arguments do not decode",
	"required":                    "required property missing",
	"additionalProperties":        "unknown property",
	"enum":                        "value not allowed",
	"uniqueItems":                 "duplicate items",
	"minimum":                     "value below minimum",
	"maximum":                     "value above maximum",
	"transcript.empty":            "transcript empty after removing markup",
	"minLength":                   "below minimum length",
	"maxLength":                   "above maximum length",
	string(RuleWordCount):         "word count implausible for a sales call",
	string(RuleAgeRetirement):     "retirement status implausible for stated age",
	string(RuleDurationPlausible): "stated duration implausible for transcript length",
	string(RuleExclusiveAccounts): `account type "none" combined with other types`,
}

func auditMessage(rule string) string {
	if m, ok := auditMessages[rule]; ok {
		return m
	}
	return "rule " + rule + " violated"
}
