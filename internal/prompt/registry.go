// Package prompt holds the stage instruction templates.
//
// The registry is built once, from the embedded templates.toml plus an
// optional overrides file, and is read-only afterwards. Templates use
// text/template with named placeholders drawn from Data.
package prompt

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/BurntSushi/toml"
)

//go:embed templates.toml
var embeddedTemplates string

// StageID identifies a template.
type StageID string

const (
	Planner      StageID = "planner"
	Reasoning    StageID = "reasoning"
	Coding       StageID = "coding"
	Evaluator    StageID = "evaluator"
	Synthesizer  StageID = "synthesizer"
	Verification StageID = "verification"
)

// StageIDs lists every template the registry must define.
var StageIDs = []StageID{Planner, Reasoning, Coding, Evaluator, Synthesizer, Verification}

// maxOverridesSize bounds the overrides file.
const maxOverridesSize = 1 << 20

var (
	// ErrUnknownStage is returned for a stage ID with no template.
	ErrUnknownStage = errors.New("unknown prompt stage")

	// ErrMissingValue is returned when a required placeholder is empty.
	ErrMissingValue = errors.New("missing template value")
)

// Branch is one fan-out branch as seen by the arbitration templates.
type Branch struct {
	ID        string
	Number    int
	Code      string
	Reasoning string
}

// Data carries every named placeholder a template may reference.
type Data struct {
	Width              int
	ProblemDescription string
	TestCases          string
	AssignedApproach   string
	OriginalQuestion   string
	ReasoningOutput    string
	PlannerOutput      string
	Evaluation         string
	Branches           []Branch
	Verification       string
	Timeout            string
}

// Template is a parsed stage template.
type Template struct {
	ID          StageID
	Description string
	Requires    []string

	tmpl *template.Template
}

type entry struct {
	Description string   `toml:"description"`
	Requires    []string `toml:"requires"`
	Text        string   `toml:"text"`
}

// Registry maps stage IDs to templates. It has no setters.
type Registry struct {
	templates map[StageID]*Template
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry built from the embedded templates only.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = Load("")
	})
	return defaultRegistry, defaultErr
}

// Load builds a registry from the embedded templates, replacing any entry
// that overridesPath redefines. An empty path skips overrides.
func Load(overridesPath string) (*Registry, error) {
	entries := map[string]entry{}
	if _, err := toml.Decode(embeddedTemplates, &entries); err != nil {
		return nil, fmt.Errorf("decoding embedded templates: %w", err)
	}

	if overridesPath != "" {
		overrides, err := readOverrides(overridesPath)
		if err != nil {
			return nil, err
		}
		for id, o := range overrides {
			base, ok := entries[id]
			if !ok {
				return nil, fmt.Errorf("%w %q in %s", ErrUnknownStage, id, overridesPath)
			}
			if o.Text != "" {
				base.Text = o.Text
			}
			if o.Description != "" {
				base.Description = o.Description
			}
			if o.Requires != nil {
				base.Requires = o.Requires
			}
			entries[id] = base
		}
	}

	r := &Registry{templates: make(map[StageID]*Template, len(entries))}
	for _, id := range StageIDs {
		e, ok := entries[string(id)]
		if !ok {
			return nil, fmt.Errorf("template %q is not defined", id)
		}
		t, err := compile(id, e)
		if err != nil {
			return nil, err
		}
		r.templates[id] = t
	}
	return r, nil
}

func readOverrides(path string) (map[string]entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt overrides: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("prompt overrides %s is not a regular file", path)
	}
	if info.Size() > maxOverridesSize {
		return nil, fmt.Errorf("prompt overrides %s exceeds %d bytes", path, maxOverridesSize)
	}

	overrides := map[string]entry{}
	if _, err := toml.DecodeFile(path, &overrides); err != nil {
		return nil, fmt.Errorf("decoding prompt overrides %s: %w", path, err)
	}
	return overrides, nil
}

var dataType = reflect.TypeOf(Data{})

func compile(id StageID, e entry) (*Template, error) {
	for _, name := range e.Requires {
		if _, ok := dataType.FieldByName(name); !ok {
			return nil, fmt.Errorf("template %q requires unknown field %q", id, name)
		}
	}

	tmpl, err := template.New(string(id)).Option("missingkey=error").Parse(strings.TrimSpace(e.Text) + "\n")
	if err != nil {
		return nil, fmt.Errorf("parsing template %q: %w", id, err)
	}

	// A dry run against fully populated data catches references to
	// placeholders Data does not have.
	if err := tmpl.Execute(&bytes.Buffer{}, sampleData()); err != nil {
		return nil, fmt.Errorf("template %q: %w", id, err)
	}

	return &Template{ID: id, Description: e.Description, Requires: e.Requires, tmpl: tmpl}, nil
}

func sampleData() Data {
	return Data{
		Width:              3,
		ProblemDescription: "p",
		TestCases:          "t",
		AssignedApproach:   "a",
		OriginalQuestion:   "q",
		ReasoningOutput:    "r",
		PlannerOutput:      "o",
		Evaluation:         "e",
		Branches:           []Branch{{ID: "approach-01", Number: 1, Code: "c", Reasoning: "r"}},
		Verification:       "v",
		Timeout:            "10s",
	}
}

// Get returns the template for id.
func (r *Registry) Get(id StageID) (*Template, bool) {
	t, ok := r.templates[id]
	return t, ok
}

// IDs returns the registered stage IDs, sorted.
func (r *Registry) IDs() []StageID {
	ids := make([]StageID, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Render renders the template for id with data.
func (r *Registry) Render(id StageID, data Data) (string, error) {
	t, ok := r.templates[id]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownStage, id)
	}
	return t.Render(data)
}

// Render fills the template. Every field named in Requires must be
// non-zero.
func (t *Template) Render(data Data) (string, error) {
	v := reflect.ValueOf(data)
	for _, name := range t.Requires {
		if v.FieldByName(name).IsZero() {
			return "", fmt.Errorf("%w: template %q needs %s", ErrMissingValue, t.ID, name)
		}
	}

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering template %q: %w", t.ID, err)
	}
	return buf.String(), nil
}
