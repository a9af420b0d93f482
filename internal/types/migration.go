package types

import (
	"slices"
	"time"
)

// MigrationScenario tags how a session positioned at an anchor is migrated.
type MigrationScenario string

const (
	ScenarioCleanGraft MigrationScenario = "clean_graft" // Nothing changed upstream
	ScenarioGapFill    MigrationScenario = "gap_fill"    // Only data-collecting nodes inserted upstream
	ScenarioReRoute    MigrationScenario = "re_route"    // A new fork appeared upstream
)

// IsValid checks if the scenario tag is recognized.
func (m MigrationScenario) IsValid() bool {
	switch m {
	case ScenarioCleanGraft, ScenarioGapFill, ScenarioReRoute:
		return true
	}
	return false
}

// InsertedNode is a v2 node with no v1 counterpart inside a traversal region.
type InsertedNode struct {
	StepID       string      `json:"step_id"`
	StepName     string      `json:"step_name"`
	ContentHash  string      `json:"content_hash"`
	Fields       []FieldSpec `json:"fields,omitempty"`
	HasRules     bool        `json:"has_rules,omitempty"`
	IsCheckpoint bool        `json:"is_checkpoint,omitempty"`
}

// ForkBranch is one outgoing branch of a fork.
type ForkBranch struct {
	Name           string   `json:"name,omitempty"`
	TargetStepID   string   `json:"target_step_id"` // v2 ID
	TargetHash     string   `json:"target_hash"`
	Condition      string   `json:"condition,omitempty"`
	ConditionReads []string `json:"condition_reads,omitempty"` // Fields the condition reads
}

// NewFork is a branching node whose outgoing branches did not exist in v1.
type NewFork struct {
	StepID      string       `json:"step_id"` // v2 ID
	StepName    string       `json:"step_name"`
	ContentHash string       `json:"content_hash"`
	Branches    []ForkBranch `json:"branches"`
}

// TransitionChangeKind classifies a modified transition.
type TransitionChangeKind string

const (
	TransitionAdded      TransitionChangeKind = "added"
	TransitionRemoved    TransitionChangeKind = "removed"
	TransitionRedirected TransitionChangeKind = "redirected"
)

// TransitionChange describes one edge difference between versions.
// Endpoints are content hashes so they compare across versions.
type TransitionChange struct {
	Kind          TransitionChangeKind `json:"kind"`
	SourceHash    string               `json:"source_hash"`
	Condition     string               `json:"condition,omitempty"`
	OldTargetHash string               `json:"old_target_hash,omitempty"`
	NewTargetHash string               `json:"new_target_hash,omitempty"`
}

// ChangeSet is the shared shape of upstream and downstream changes.
type ChangeSet struct {
	InsertedNodes       []InsertedNode     `json:"inserted_nodes,omitempty"`
	RemovedNodeIDs      []string           `json:"removed_node_ids,omitempty"` // v1 IDs
	NewForks            []NewFork          `json:"new_forks,omitempty"`
	ModifiedTransitions []TransitionChange `json:"modified_transitions,omitempty"`
}

// IsEmpty reports whether the change set carries no changes at all.
func (c ChangeSet) IsEmpty() bool {
	return len(c.InsertedNodes) == 0 && len(c.RemovedNodeIDs) == 0 &&
		len(c.NewForks) == 0 && len(c.ModifiedTransitions) == 0
}

// RequiredFields returns the distinct required fields of the inserted nodes,
// in first-seen order.
func (c ChangeSet) RequiredFields() []FieldSpec {
	seen := map[string]bool{}
	var out []FieldSpec
	for _, n := range c.InsertedNodes {
		for _, f := range n.Fields {
			if f.Optional || seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			out = append(out, f)
		}
	}
	return out
}

// UpstreamChanges are the differences between an anchor and the nearest anchors before it.
type UpstreamChanges struct {
	ChangeSet
}

// DownstreamChanges are the differences between an anchor and the nearest anchors after it.
type DownstreamChanges struct {
	ChangeSet
}

// DetermineMigrationScenario derives the scenario tag from upstream changes.
// Forks dominate inserted nodes because they can redirect flow.
func DetermineMigrationScenario(up UpstreamChanges) MigrationScenario {
	switch {
	case len(up.NewForks) > 0:
		return ScenarioReRoute
	case len(up.InsertedNodes) > 0:
		return ScenarioGapFill
	default:
		return ScenarioCleanGraft
	}
}

// AnchorTransformation describes one anchor matched across versions.
type AnchorTransformation struct {
	OldStepID         string            `json:"old_step_id"`
	NewStepID         string            `json:"new_step_id"`
	StepName          string            `json:"step_name"`
	ContentHash       string            `json:"content_hash"`
	Upstream          UpstreamChanges   `json:"upstream"`
	Downstream        DownstreamChanges `json:"downstream"`
	MigrationScenario MigrationScenario `json:"migration_scenario"`
}

// DeletedNode is a v1 node with no v2 counterpart, plus where to relocate sessions on it.
type DeletedNode struct {
	OldStepID            string `json:"old_step_id"`
	StepName             string `json:"step_name"`
	ContentHash          string `json:"content_hash"`
	NearestAnchorHash    string `json:"nearest_anchor_hash,omitempty"` // Fewest upstream hops
	UpstreamHops         int    `json:"upstream_hops,omitempty"`
	DownstreamAnchorHash string `json:"downstream_anchor_hash,omitempty"` // Fallback when no upstream anchor exists or is usable
	DownstreamHops       int    `json:"downstream_hops,omitempty"`
}

// AmbiguousAnchor is a content hash that occurs more than once in a version
// and is therefore excluded from anchoring.
type AmbiguousAnchor struct {
	ContentHash string   `json:"content_hash"`
	OldStepIDs  []string `json:"old_step_ids,omitempty"`
	NewStepIDs  []string `json:"new_step_ids,omitempty"`
}

// TransformationMap is the full output of one graph diff.
type TransformationMap struct {
	Anchors          []AnchorTransformation `json:"anchors"`
	DeletedNodes     []DeletedNode          `json:"deleted_nodes,omitempty"`
	NewNodeIDs       []string               `json:"new_node_ids,omitempty"`
	AmbiguousAnchors []AmbiguousAnchor      `json:"ambiguous_anchors,omitempty"`
	// Relocations maps every v1 step that is not an anchor to its relocation entry.
	// Covers deleted nodes and nodes excluded as ambiguous.
	Relocations map[string]DeletedNode `json:"relocations,omitempty"`
}

// AnchorByHash returns the anchor with the given content hash, or nil.
func (m *TransformationMap) AnchorByHash(hash string) *AnchorTransformation {
	if m == nil {
		return nil
	}
	for i := range m.Anchors {
		if m.Anchors[i].ContentHash == hash {
			return &m.Anchors[i]
		}
	}
	return nil
}

// AnchorByOldID returns the anchor whose v1 step ID matches, or nil.
func (m *TransformationMap) AnchorByOldID(id string) *AnchorTransformation {
	if m == nil {
		return nil
	}
	for i := range m.Anchors {
		if m.Anchors[i].OldStepID == id {
			return &m.Anchors[i]
		}
	}
	return nil
}

// RelocationFor returns the relocation entry for a v1 step that is not an anchor.
func (m *TransformationMap) RelocationFor(oldStepID string) (DeletedNode, bool) {
	if m == nil || m.Relocations == nil {
		return DeletedNode{}, false
	}
	d, ok := m.Relocations[oldStepID]
	return d, ok
}

// ScopeFilter restricts which live sessions an anchor policy applies to.
// Empty lists and zero durations mean "no restriction".
type ScopeFilter struct {
	IncludeChannels []string      `json:"include_channels,omitempty"`
	ExcludeChannels []string      `json:"exclude_channels,omitempty"`
	IncludeSteps    []string      `json:"include_steps,omitempty"` // Current step names
	ExcludeSteps    []string      `json:"exclude_steps,omitempty"`
	MinSessionAge   time.Duration `json:"min_session_age,omitempty"`
	MaxSessionAge   time.Duration `json:"max_session_age,omitempty"`
}

// IsEmpty reports whether the filter matches every session.
func (f *ScopeFilter) IsEmpty() bool {
	return f == nil || (len(f.IncludeChannels) == 0 && len(f.ExcludeChannels) == 0 &&
		len(f.IncludeSteps) == 0 && len(f.ExcludeSteps) == 0 &&
		f.MinSessionAge == 0 && f.MaxSessionAge == 0)
}

// Matches reports whether a session positioned at stepName passes the filter.
func (f *ScopeFilter) Matches(s *Session, stepName string, now time.Time) bool {
	if f == nil {
		return true
	}
	if len(f.IncludeChannels) > 0 && !slices.Contains(f.IncludeChannels, s.Channel) {
		return false
	}
	if slices.Contains(f.ExcludeChannels, s.Channel) {
		return false
	}
	if len(f.IncludeSteps) > 0 && !slices.Contains(f.IncludeSteps, stepName) {
		return false
	}
	if slices.Contains(f.ExcludeSteps, stepName) {
		return false
	}
	age := s.Age(now)
	if f.MinSessionAge > 0 && age < f.MinSessionAge {
		return false
	}
	if f.MaxSessionAge > 0 && age > f.MaxSessionAge {
		return false
	}
	return true
}

// AnchorMigrationPolicy is the operator's per-anchor configuration.
type AnchorMigrationPolicy struct {
	AnchorContentHash string            `json:"anchor_content_hash"`
	Scope             ScopeFilter       `json:"scope"`
	UpdateDownstream  bool              `json:"update_downstream"`
	ForceScenario     MigrationScenario `json:"force_scenario,omitempty"` // Empty = use computed scenario
}

// DefaultPolicy returns the policy assigned to an anchor at plan generation.
func DefaultPolicy(anchorHash string) *AnchorMigrationPolicy {
	return &AnchorMigrationPolicy{
		AnchorContentHash: anchorHash,
		UpdateDownstream:  true,
	}
}
