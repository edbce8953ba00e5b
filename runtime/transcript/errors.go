package transcript

import (
	"fmt"
	"strings"
)

type (
	// Violation describes one violated structural or business rule.
	Violation struct {
		// Field is the dotted path of the offending value ("metadata.age").
		// It is empty for document-level violations.
		Field string `json:"field,omitempty"`
		// Rule identifies the violated rule ("minLength", "transcript.empty").
		Rule string `json:"rule"`
		// Message is a human-readable description safe to return to callers.
		Message string `json:"message"`
	}

	// ValidationError reports every violation found in a request. Validation
	// is all-or-nothing: a request producing a ValidationError never reaches
	// the pipeline.
	ValidationError struct {
		Violations []Violation
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field == "" {
			parts = append(parts, v.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Fields returns the distinct offending field paths in first-seen order.
func (e *ValidationError) Fields() []string {
	seen := make(map[string]struct{}, len(e.Violations))
	var out []string
	for _, v := range e.Violations {
		if _, ok := seen[v.Field]; ok {
			continue
		}
		seen[v.Field] = struct{}{}
		out = append(out, v.Field)
	}
	return out
}
