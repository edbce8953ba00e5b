// Package schema compiles JSON Schemas and flattens validation failures into
// field-level issues suitable for callers.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Issue is one leaf validation failure.
type Issue struct {
	// Path is the dotted location of the offending value. Empty for the
	// document root.
	Path string
	// Keyword is the failing schema keyword ("minLength", "enum", ...).
	Keyword string
	// Message is the English description of the failure.
	Message string
}

var printer = message.NewPrinter(language.English)

// Compile compiles the JSON Schema document raw under the given resource
// name.
func Compile(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return s, nil
}

// Validate decodes raw JSON and validates it against s. It returns the
// flattened issues, or an error when raw is not valid JSON.
func Validate(s *jsonschema.Schema, raw []byte) ([]Issue, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return Flatten(s.Validate(doc)), nil
}

// Flatten converts a jsonschema validation error into leaf issues ordered by
// path then keyword. Errors of other types produce a single root issue.
func Flatten(err error) []Issue {
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []Issue{{Keyword: "schema", Message: err.Error()}}
	}
	var issues []Issue
	collect(verr, &issues)
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Path != issues[j].Path {
			return issues[i].Path < issues[j].Path
		}
		return issues[i].Keyword < issues[j].Keyword
	})
	return issues
}

func collect(e *jsonschema.ValidationError, out *[]Issue) {
	if len(e.Causes) > 0 {
		for _, c := range e.Causes {
			collect(c, out)
		}
		return
	}
	base := strings.Join(e.InstanceLocation, ".")
	switch k := e.ErrorKind.(type) {
	case *kind.Required:
		for _, name := range k.Missing {
			*out = append(*out, Issue{Path: join(base, name), Keyword: "required", Message: "is required"})
		}
	case *kind.AdditionalProperties:
		for _, name := range k.Properties {
			*out = append(*out, Issue{Path: join(base, name), Keyword: "additionalProperties", Message: "is not allowed"})
		}
	default:
		*out = append(*out, Issue{
			Path:    base,
			Keyword: keyword(e.ErrorKind),
			Message: e.ErrorKind.LocalizedString(printer),
		})
	}
}

func keyword(k jsonschema.ErrorKind) string {
	path := k.KeywordPath()
	if len(path) == 0 {
		return "schema"
	}
	return path[len(path)-1]
}

func join(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}
