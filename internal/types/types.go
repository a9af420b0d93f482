// Package types defines core data structures for scenario graphs, customer
// sessions and the migrations that move sessions between graph versions.
package types

import (
	"fmt"
	"time"
)

// FieldSpec describes a data field collected by a step.
type FieldSpec struct {
	Name     string `json:"name" yaml:"name" toml:"name"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"` // string (default), email, phone, number, date, bool
	Hint     string `json:"hint,omitempty" yaml:"hint,omitempty" toml:"hint,omitempty"` // Extraction hint shown to the language model
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty" toml:"optional,omitempty"`
}

// Transition is an outgoing edge of a step.
type Transition struct {
	Name      string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`                // Branch name, used when the step forks
	To        string `json:"to" yaml:"to" toml:"to"`                                                    // Target step ID
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty" toml:"condition,omitempty"` // Natural-language or simple expression; empty = unconditional
}

// Step is a node of a scenario graph.
type Step struct {
	ID                    string        `json:"id" yaml:"id" toml:"id"`
	Name                  string        `json:"name" yaml:"name" toml:"name"`
	Description           string        `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	RuleIDs               []string      `json:"rule_ids,omitempty" yaml:"rule_ids,omitempty" toml:"rule_ids,omitempty"`
	Fields                []FieldSpec   `json:"fields,omitempty" yaml:"fields,omitempty" toml:"fields,omitempty"`
	IsCheckpoint          bool          `json:"is_checkpoint,omitempty" yaml:"is_checkpoint,omitempty" toml:"is_checkpoint,omitempty"`
	CheckpointDescription string        `json:"checkpoint_description,omitempty" yaml:"checkpoint_description,omitempty" toml:"checkpoint_description,omitempty"`
	PerformsAction        bool          `json:"performs_action,omitempty" yaml:"performs_action,omitempty" toml:"performs_action,omitempty"` // Step triggers a real-world side effect
	Transitions           []*Transition `json:"transitions,omitempty" yaml:"transitions,omitempty" toml:"transitions,omitempty"`
}

// FieldNames returns the names of the fields the step collects, in declaration order.
func (s *Step) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// RequiredFields returns the non-optional fields the step collects.
func (s *Step) RequiredFields() []FieldSpec {
	var out []FieldSpec
	for _, f := range s.Fields {
		if !f.Optional {
			out = append(out, f)
		}
	}
	return out
}

// ScenarioGraph is one version of a scenario: a directed, possibly cyclic graph of steps.
type ScenarioGraph struct {
	TenantID    string    `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	ScenarioID  string    `json:"scenario_id" yaml:"scenario_id" toml:"scenario_id"`
	Version     int       `json:"version" yaml:"version" toml:"version"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	EntryStepID string    `json:"entry_step_id" yaml:"entry_step_id" toml:"entry_step_id"`
	Steps       []*Step   `json:"steps" yaml:"steps" toml:"steps"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty" toml:"created_at,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (g *ScenarioGraph) Step(id string) *Step {
	for _, s := range g.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// IndexOf returns the declaration index of the step, or -1.
func (g *ScenarioGraph) IndexOf(id string) int {
	for i, s := range g.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// ReachableFrom reports whether target can be reached from start by following
// one or more transitions. Cycle-safe.
func (g *ScenarioGraph) ReachableFrom(start, target string) bool {
	visited := map[string]bool{}
	queue := []string{}
	if s := g.Step(start); s != nil {
		for _, t := range s.Transitions {
			queue = append(queue, t.To)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if s := g.Step(id); s != nil {
			for _, t := range s.Transitions {
				if !visited[t.To] {
					queue = append(queue, t.To)
				}
			}
		}
	}
	return false
}

// Predecessors returns a map from step ID to the IDs of steps with a transition into it.
// Order follows step declaration order, then transition order.
func (g *ScenarioGraph) Predecessors() map[string][]string {
	preds := make(map[string][]string, len(g.Steps))
	for _, s := range g.Steps {
		for _, t := range s.Transitions {
			preds[t.To] = append(preds[t.To], s.ID)
		}
	}
	return preds
}

// Validate checks structural integrity: unique IDs, a known entry step and
// transitions that point at existing steps.
func (g *ScenarioGraph) Validate() error {
	if g.ScenarioID == "" {
		return fmt.Errorf("scenario_id is required")
	}
	if g.Version < 1 {
		return fmt.Errorf("version must be >= 1 (got %d)", g.Version)
	}
	if len(g.Steps) == 0 {
		return fmt.Errorf("scenario %s v%d has no steps", g.ScenarioID, g.Version)
	}
	seen := make(map[string]bool, len(g.Steps))
	for _, s := range g.Steps {
		if s.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if !seen[g.EntryStepID] {
		return fmt.Errorf("entry step %q not found", g.EntryStepID)
	}
	for _, s := range g.Steps {
		for _, t := range s.Transitions {
			if !seen[t.To] {
				return fmt.Errorf("step %q transitions to unknown step %q", s.ID, t.To)
			}
		}
	}
	return nil
}
