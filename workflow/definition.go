package workflow

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// StepDefinition is one unit of work within a workflow, delegated to a
// named agent.
type StepDefinition struct {
	ID           string         `yaml:"id" json:"id"`
	Name         string         `yaml:"name" json:"name"`
	AgentID      string         `yaml:"agent_id" json:"agent_id"`
	Inputs       map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	IsOptional   bool           `yaml:"is_optional,omitempty" json:"is_optional,omitempty"`
	CanSkip      bool           `yaml:"can_skip,omitempty" json:"can_skip,omitempty"`
}

// Definition is an immutable, ordered list of steps. Definitions are loaded
// once at startup and never mutated afterwards.
type Definition struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps"`
}

// TotalSteps returns the number of steps in the definition.
func (d *Definition) TotalSteps() int {
	return len(d.Steps)
}

// StepAt returns the step at the given 1-based index.
func (d *Definition) StepAt(n int) (*StepDefinition, bool) {
	if n < 1 || n > len(d.Steps) {
		return nil, false
	}
	return &d.Steps[n-1], true
}

// Registry is a read-only, process-lifetime catalog of workflow
// definitions. It is built once at startup and injected wherever needed.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from the given definitions. Duplicate or
// empty definition IDs and steps without an agent are rejected.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	m := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("definition %q has no id", d.Name)
		}
		if _, dup := m[d.ID]; dup {
			return nil, fmt.Errorf("duplicate definition id %q", d.ID)
		}
		for i, s := range d.Steps {
			if s.ID == "" {
				return nil, fmt.Errorf("definition %q step %d has no id", d.ID, i+1)
			}
			if s.AgentID == "" {
				return nil, fmt.Errorf("definition %q step %q has no agent", d.ID, s.ID)
			}
		}
		m[d.ID] = d
	}
	return &Registry{defs: m}, nil
}

// Get returns the definition with the given ID.
func (r *Registry) Get(id string) (*Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

// Validate reports whether a definition with the given ID exists.
func (r *Registry) Validate(id string) bool {
	_, ok := r.defs[id]
	return ok
}

// IDs returns the sorted definition IDs.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParseDefinitions parses a YAML document containing a list of workflow
// definitions.
func ParseDefinitions(data []byte) ([]*Definition, error) {
	var doc struct {
		Workflows []*Definition `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow definitions: %w", err)
	}
	return doc.Workflows, nil
}

// LoadDefinitions reads workflow definitions from a YAML file.
func LoadDefinitions(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definitions: %w", err)
	}
	return ParseDefinitions(data)
}
