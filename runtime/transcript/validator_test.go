package transcript

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/callanalysis/runtime/audit"
)

const sampleLine = "Agent: Thanks for taking the time today. Prospect: Happy to talk about my retirement savings. "

// text returns a transcript of exactly n characters.
func text(n int) string {
	s := strings.Repeat(sampleLine, n/len(sampleLine)+1)
	return s[:n]
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	v, err := NewValidator(opts...)
	require.NoError(t, err)
	return v
}

func TestValidateLengthBoundaries(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	_, _, err := v.Validate(ctx, args(t, map[string]any{"transcript": text(99)}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"transcript"}, verr.Fields())

	req, rep, err := v.Validate(ctx, args(t, map[string]any{"transcript": text(100)}))
	require.NoError(t, err)
	require.Len(t, req.Transcript, 100)
	require.NotEmpty(t, rep.Fingerprint)

	_, _, err = v.Validate(ctx, args(t, map[string]any{"transcript": text(100000)}))
	require.NoError(t, err)

	_, _, err = v.Validate(ctx, args(t, map[string]any{"transcript": text(100001)}))
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "maxLength", verr.Violations[0].Rule)
}

func TestValidateRejectsEmptyAfterSanitize(t *testing.T) {
	v := newValidator(t)
	raw := "<script>" + strings.Repeat("x", 200) + "</script>"
	_, _, err := v.Validate(context.Background(), args(t, map[string]any{"transcript": raw}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "transcript.empty", verr.Violations[0].Rule)
}

func TestValidateRechecksLengthAfterSanitize(t *testing.T) {
	v := newValidator(t)
	raw := "<div>" + text(60) + "</div><style>" + strings.Repeat("p{}", 30) + "</style>"
	_, _, err := v.Validate(context.Background(), args(t, map[string]any{"transcript": raw}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "minLength", verr.Violations[0].Rule)
}

func TestValidateSanitizesTranscript(t *testing.T) {
	v := newValidator(t)
	raw := "<p>" + text(150) + "</p><script>alert(1)</script>"
	req, rep, err := v.Validate(context.Background(), args(t, map[string]any{"transcript": raw}))
	require.NoError(t, err)
	require.True(t, rep.Sanitized)
	require.Equal(t, text(150), req.Transcript)
}

func TestValidateListsEveryViolation(t *testing.T) {
	v := newValidator(t)
	raw := args(t, map[string]any{
		"transcript": text(200),
		"metadata": map[string]any{
			"age":              12,
			"retirementStatus": "sailing",
			"accountTypes":     []string{"401k", "crypto"},
			"interestLevel":    "extreme",
			"favoriteColor":    "blue",
		},
	})
	_, _, err := v.Validate(context.Background(), raw)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	fields := verr.Fields()
	require.Contains(t, fields, "metadata.age")
	require.Contains(t, fields, "metadata.retirementStatus")
	require.Contains(t, fields, "metadata.accountTypes.1")
	require.Contains(t, fields, "metadata.interestLevel")
	require.Contains(t, fields, "metadata.favoriteColor")
	require.Contains(t, err.Error(), "metadata.age")
}

func TestValidateRejectsMissingTranscriptAndBadJSON(t *testing.T) {
	v := newValidator(t)
	_, _, err := v.Validate(context.Background(), json.RawMessage(`{}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "required", verr.Violations[0].Rule)

	_, _, err = v.Validate(context.Background(), json.RawMessage(`{"transcript":`))
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "json", verr.Violations[0].Rule)
}

func TestValidateAcceptsRetirementScenario(t *testing.T) {
	v := newValidator(t)
	raw := args(t, map[string]any{
		"transcript": strings.Repeat(sampleLine, 8),
		"metadata": map[string]any{
			"prospectName":         "Pat Rivera",
			"age":                  58,
			"retirementStatus":     "pre-retirement",
			"accountTypes":         []string{"401k", "ira"},
			"investmentExperience": "beginner",
			"interestLevel":        "high",
			"concerns":             "very conservative, worried about market drops",
		},
	})
	req, rep, err := v.Validate(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, InterestHigh, req.Interest())
	require.True(t, req.Metadata.HasAccount(Account401k))
	require.Empty(t, rep.Warnings)
}

func TestValidateRecordsAuditEvents(t *testing.T) {
	sink := audit.NewMemorySink()
	v := newValidator(t, WithAuditSink(sink))
	ctx := audit.WithSession(context.Background(), "sess-1")

	_, _, err := v.Validate(ctx, args(t, map[string]any{"transcript": text(99)}))
	require.Error(t, err)
	rejected := sink.OfType(audit.EventValidationRejected)
	require.Len(t, rejected, 1)
	require.Equal(t, "sess-1", rejected[0].SessionID)
	require.NotEmpty(t, rejected[0].Fingerprint)
	require.Equal(t, audit.SeverityError, rejected[0].Findings[0].Severity)
	require.NotContains(t, rejected[0].Findings[0].Message, sampleLine[:20])

	// 100 characters is far fewer than the plausible word count.
	_, rep, err := v.Validate(ctx, args(t, map[string]any{"transcript": text(100)}))
	require.NoError(t, err)
	require.Len(t, rep.Warnings, 1)
	flagged := sink.OfType(audit.EventValidationFlagged)
	require.Len(t, flagged, 1)
	require.Equal(t, string(RuleWordCount), flagged[0].Findings[0].Rule)
	require.Equal(t, audit.SeverityWarning, flagged[0].Findings[0].Severity)
}

func TestValidateAuditFindingsOmitCounts(t *testing.T) {
	sink := audit.NewMemorySink()
	p := DefaultPolicy()
	p[RuleWordCount] = ActionReject
	v := newValidator(t, WithAuditSink(sink), WithPolicy(p))
	ctx := context.Background()

	// 90 characters after sanitizing, 13 words.
	raw := "<b>" + text(90) + "</b><i></i>"
	_, _, err := v.Validate(ctx, args(t, map[string]any{"transcript": raw}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Error(), "90")

	_, _, err = v.Validate(ctx, args(t, map[string]any{
		"transcript": text(150),
		"metadata":   map[string]any{"age": 42, "retirementStatus": "retired", "callDurationMinutes": 45},
	}))
	require.ErrorAs(t, err, &verr)

	_, _, err = v.Validate(ctx, args(t, map[string]any{"transcript": text(100001)}))
	require.ErrorAs(t, err, &verr)

	digits := regexp.MustCompile(`[0-9]`)
	events := sink.OfType(audit.EventValidationRejected)
	require.Len(t, events, 3)
	for _, ev := range events {
		require.NotEmpty(t, ev.Findings)
		for _, f := range ev.Findings {
			require.False(t, digits.MatchString(f.Message), "finding %q quotes a number", f.Message)
		}
	}
}

func TestValidateBoundsSanitizeCost(t *testing.T) {
	v := newValidator(t)
	nested := strings.Repeat("java", 9090) + "javascript:" + strings.Repeat("script:", 9090)
	start := time.Now()
	_, _, err := v.Validate(context.Background(), args(t, map[string]any{"transcript": nested}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "maxLength", verr.Violations[0].Rule)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestValidateRejectPolicy(t *testing.T) {
	p := DefaultPolicy()
	p[RuleAgeRetirement] = ActionReject
	v := newValidator(t, WithPolicy(p))
	raw := args(t, map[string]any{
		"transcript": strings.Repeat(sampleLine, 8),
		"metadata":   map[string]any{"age": 30, "retirementStatus": "retired"},
	})
	_, _, err := v.Validate(context.Background(), raw)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, string(RuleAgeRetirement), verr.Violations[0].Rule)

	p[RuleAgeRetirement] = ActionOff
	v = newValidator(t, WithPolicy(p))
	_, rep, err := v.Validate(context.Background(), raw)
	require.NoError(t, err)
	require.Empty(t, rep.Warnings)
}

func TestInputSchemaIsCopy(t *testing.T) {
	s := InputSchema()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(s, &doc))
	require.Equal(t, "object", doc["type"])
	s[0] = 'x'
	require.Equal(t, byte('{'), InputSchema()[0])
}
