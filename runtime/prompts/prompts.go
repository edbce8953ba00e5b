// Package prompts holds the prompt table used by model-backed stages.
//
// The table is loaded once at startup from YAML (an embedded default or an
// operator-supplied file), compiled into templates, and then shared read-only
// by every run.
package prompts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/transcript"
)

//go:embed prompts.yaml
var defaultTable []byte

type (
	// Table is the compiled prompt table. It is immutable and safe for
	// concurrent use.
	Table struct {
		version string
		shared  string
		stages  map[pipeline.StageID]*Prompt
	}

	// Prompt is the compiled prompt of one stage.
	Prompt struct {
		// Stage is the stage the prompt belongs to.
		Stage pipeline.StageID
		// System is the system prompt including the shared preamble.
		System string
		user   *template.Template
	}

	// Data is the template input of a stage prompt.
	Data struct {
		// Transcript is the sanitized transcript.
		Transcript string
		// Metadata is the call metadata, nil when absent.
		Metadata *transcript.Metadata
		// Prior holds the results of the completed stages keyed by stage.
		Prior map[pipeline.StageID]pipeline.StageResult
	}

	file struct {
		Version  string               `yaml:"version"`
		Shared   string               `yaml:"shared"`
		Stages   map[string]stageFile `yaml:"stages"`
		Partials map[string]string    `yaml:"partials"`
	}

	stageFile struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	}
)

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
}

// Default returns the embedded prompt table.
func Default() (*Table, error) {
	return Parse(defaultTable)
}

// LoadFile parses the prompt table stored at path.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt table: %w", err)
	}
	return Parse(raw)
}

// Parse compiles a YAML prompt table. Every stage must have a prompt.
func Parse(raw []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode prompt table: %w", err)
	}
	t := &Table{
		version: f.Version,
		shared:  strings.TrimSpace(f.Shared),
		stages:  make(map[pipeline.StageID]*Prompt, len(pipeline.Order)),
	}
	for name := range f.Stages {
		if !pipeline.StageID(name).Valid() {
			return nil, fmt.Errorf("prompt table: unknown stage %q", name)
		}
	}
	for _, id := range pipeline.Order {
		sf, ok := f.Stages[string(id)]
		if !ok || strings.TrimSpace(sf.User) == "" {
			return nil, fmt.Errorf("prompt table: missing prompt for stage %q", id)
		}
		tmpl := template.New(string(id)).Funcs(funcs).Option("missingkey=error")
		for name, body := range f.Partials {
			if _, err := tmpl.New(name).Parse(body); err != nil {
				return nil, fmt.Errorf("prompt table: partial %q: %w", name, err)
			}
		}
		if _, err := tmpl.Parse(sf.User); err != nil {
			return nil, fmt.Errorf("prompt table: stage %q: %w", id, err)
		}
		system := strings.TrimSpace(sf.System)
		if t.shared != "" {
			system = t.shared + "\n\n" + system
		}
		t.stages[id] = &Prompt{Stage: id, System: system, user: tmpl}
	}
	return t, nil
}

// Version returns the table version string.
func (t *Table) Version() string { return t.version }

// Prompt returns the prompt of stage id.
func (t *Table) Prompt(id pipeline.StageID) (*Prompt, bool) {
	p, ok := t.stages[id]
	return p, ok
}

// Render renders the user prompt of stage id.
func (t *Table) Render(id pipeline.StageID, data Data) (system, user string, err error) {
	p, ok := t.stages[id]
	if !ok {
		return "", "", fmt.Errorf("no prompt for stage %q", id)
	}
	var buf bytes.Buffer
	if err := p.user.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render prompt for stage %q: %w", id, err)
	}
	return p.System, strings.TrimSpace(buf.String()), nil
}

// NewData builds the template input of a stage from its pipeline input.
func NewData(in pipeline.Input) Data {
	d := Data{Transcript: in.Request.Transcript, Metadata: in.Request.Metadata}
	if in.Prior != nil && in.Prior.Len() > 0 {
		d.Prior = make(map[pipeline.StageID]pipeline.StageResult, in.Prior.Len())
		for _, id := range in.Prior.Completed() {
			r, _ := in.Prior.Result(id)
			d.Prior[id] = r
		}
	}
	return d
}
