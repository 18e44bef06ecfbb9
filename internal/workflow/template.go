// Package workflow loads backend workflow templates, binds caller-supplied
// placeholders into their declared slots and submits the resulting graphs.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gemdirect/render-agent/internal/engine"
)

// SlotRef addresses one input of one node in a template's graph.
type SlotRef struct {
	Node  string `json:"node"`
	Input string `json:"input"`
}

// Template is a workflow graph plus its declared placeholder slots.
// Slots turn untyped graph patching into a checked operation: binding a
// placeholder the template has no slot for is a submission error, not a
// silent no-op.
type Template struct {
	Name     string                             `json:"name"`
	Graph    map[string]*Node                   `json:"graph"`
	Slots    map[engine.PlaceholderKind]SlotRef `json:"slots"`
	Required []engine.PlaceholderKind           `json:"required"`
}

// Node is one graph node in the backend's job description format.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Validate checks the slot declarations against the graph.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if len(t.Graph) == 0 {
		return fmt.Errorf("template %q has an empty graph", t.Name)
	}
	for kind, ref := range t.Slots {
		node, ok := t.Graph[ref.Node]
		if !ok {
			return fmt.Errorf("template %q: %s slot references missing node %q", t.Name, kind, ref.Node)
		}
		if node.Inputs == nil {
			return fmt.Errorf("template %q: %s slot node %q has no inputs", t.Name, kind, ref.Node)
		}
	}
	for _, kind := range t.Required {
		if _, ok := t.Slots[kind]; !ok {
			return fmt.Errorf("template %q requires %s but declares no slot for it", t.Name, kind)
		}
	}
	return nil
}

// Bind returns a copy of the graph with value substituted into the slot
// for kind. The receiver's graph is never mutated.
func (t *Template) bind(graph map[string]*Node, kind engine.PlaceholderKind, value any) (map[string]*Node, error) {
	ref, ok := t.Slots[kind]
	if !ok {
		return nil, fmt.Errorf("template %q has no %s slot", t.Name, kind)
	}
	graph[ref.Node].Inputs[ref.Input] = value
	return graph, nil
}

// clone deep-copies the graph so per-job substitution never touches the
// loaded template.
func (t *Template) clone() (map[string]*Node, error) {
	data, err := json.Marshal(t.Graph)
	if err != nil {
		return nil, fmt.Errorf("clone template %q: %w", t.Name, err)
	}
	var graph map[string]*Node
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("clone template %q: %w", t.Name, err)
	}
	return graph, nil
}

// Library holds the templates available to a run, keyed by name.
type Library struct {
	templates map[string]*Template
}

// LoadLibrary reads every *.json template in dir.
func LoadLibrary(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	lib := &Library{templates: make(map[string]*Template)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", e.Name(), err)
		}
		if err := tmpl.Validate(); err != nil {
			return nil, fmt.Errorf("template %s: %w", e.Name(), err)
		}
		lib.templates[tmpl.Name] = &tmpl
	}

	if len(lib.templates) == 0 {
		return nil, fmt.Errorf("no templates found in %s", dir)
	}
	return lib, nil
}

// NewLibrary builds a library from already-constructed templates.
func NewLibrary(templates ...*Template) (*Library, error) {
	lib := &Library{templates: make(map[string]*Template)}
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		lib.templates[t.Name] = t
	}
	return lib, nil
}

// Get looks a template up by name.
func (l *Library) Get(name string) (*Template, bool) {
	t, ok := l.templates[name]
	return t, ok
}

// Names lists the available template names.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.templates))
	for n := range l.templates {
		names = append(names, n)
	}
	return names
}
