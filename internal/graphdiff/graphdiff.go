// Package graphdiff compares two versions of a scenario graph and produces
// the TransformationMap that migration plans are built from.
//
// Steps are matched across versions by content hash. A hash that occurs
// exactly once in each version is an anchor. For every anchor the engine
// walks backwards (upstream) and forwards (downstream) to the nearest other
// anchors and reports what changed inside that region.
package graphdiff

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/steveyegge/flowshift/internal/condition"
	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/types"
)

// Engine computes transformation maps.
type Engine struct {
	logger *slog.Logger
}

// New creates an engine. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// version is one side of a diff with precomputed lookups.
type version struct {
	g      *types.ScenarioGraph
	hash   map[string]string   // step ID -> content hash
	byHash map[string][]string // content hash -> step IDs, declaration order
	preds  map[string][]string
}

func newVersion(g *types.ScenarioGraph) *version {
	v := &version{
		g:      g,
		hash:   hashing.HashGraph(g),
		byHash: make(map[string][]string, len(g.Steps)),
		preds:  g.Predecessors(),
	}
	for _, s := range g.Steps {
		h := v.hash[s.ID]
		v.byHash[h] = append(v.byHash[h], s.ID)
	}
	return v
}

func (v *version) successors(id string) []string {
	s := v.g.Step(id)
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Transitions))
	for _, t := range s.Transitions {
		out = append(out, t.To)
	}
	return out
}

// unique returns the single step carrying hash, if exactly one does.
func (v *version) unique(hash string) (string, bool) {
	ids := v.byHash[hash]
	if len(ids) != 1 {
		return "", false
	}
	return ids[0], true
}

// Diff computes the transformation map from v1 to v2.
func (e *Engine) Diff(v1, v2 *types.ScenarioGraph) (*types.TransformationMap, error) {
	if v1 == nil || v2 == nil {
		return nil, fmt.Errorf("diff requires two graphs")
	}
	if v1.ScenarioID != v2.ScenarioID {
		return nil, fmt.Errorf("cannot diff different scenarios %q and %q", v1.ScenarioID, v2.ScenarioID)
	}
	if err := v1.Validate(); err != nil {
		return nil, fmt.Errorf("version %d: %w", v1.Version, err)
	}
	if err := v2.Validate(); err != nil {
		return nil, fmt.Errorf("version %d: %w", v2.Version, err)
	}

	old, cur := newVersion(v1), newVersion(v2)
	m := &types.TransformationMap{Relocations: map[string]types.DeletedNode{}}

	// Anchors and ambiguity, in v1 declaration order.
	anchors := map[string]bool{}
	reported := map[string]bool{}
	for _, s := range v1.Steps {
		h := old.hash[s.ID]
		if len(cur.byHash[h]) == 0 {
			continue
		}
		if len(old.byHash[h]) == 1 && len(cur.byHash[h]) == 1 {
			anchors[h] = true
			continue
		}
		if !reported[h] {
			reported[h] = true
			m.AmbiguousAnchors = append(m.AmbiguousAnchors, types.AmbiguousAnchor{
				ContentHash: h,
				OldStepIDs:  slices.Clone(old.byHash[h]),
				NewStepIDs:  slices.Clone(cur.byHash[h]),
			})
		}
	}
	// Duplicates that exist in only one version still deserve a warning.
	for _, side := range []*version{old, cur} {
		for _, s := range side.g.Steps {
			h := side.hash[s.ID]
			if reported[h] || len(side.byHash[h]) < 2 {
				continue
			}
			reported[h] = true
			m.AmbiguousAnchors = append(m.AmbiguousAnchors, types.AmbiguousAnchor{
				ContentHash: h,
				OldStepIDs:  slices.Clone(old.byHash[h]),
				NewStepIDs:  slices.Clone(cur.byHash[h]),
			})
		}
	}
	for _, a := range m.AmbiguousAnchors {
		e.logger.Warn("ambiguous anchor excluded",
			"scenario", v1.ScenarioID,
			"anchor", a.ContentHash,
			"old_steps", strings.Join(a.OldStepIDs, ","),
			"new_steps", strings.Join(a.NewStepIDs, ","))
	}

	for _, s := range v1.Steps {
		h := old.hash[s.ID]
		if !anchors[h] {
			continue
		}
		newID, _ := cur.unique(h)
		at := types.AnchorTransformation{
			OldStepID:   s.ID,
			NewStepID:   newID,
			StepName:    s.Name,
			ContentHash: h,
			Upstream:    types.UpstreamChanges{ChangeSet: upstreamChanges(old, cur, s.ID, newID, anchors)},
			Downstream:  types.DownstreamChanges{ChangeSet: downstreamChanges(old, cur, s.ID, newID, anchors)},
		}
		at.MigrationScenario = types.DetermineMigrationScenario(at.Upstream)
		m.Anchors = append(m.Anchors, at)
	}

	for _, s := range v1.Steps {
		h := old.hash[s.ID]
		if anchors[h] {
			continue
		}
		d := relocate(old, s, anchors)
		m.Relocations[s.ID] = d
		if len(cur.byHash[h]) == 0 {
			m.DeletedNodes = append(m.DeletedNodes, d)
		}
	}

	for _, s := range v2.Steps {
		if len(old.byHash[cur.hash[s.ID]]) == 0 {
			m.NewNodeIDs = append(m.NewNodeIDs, s.ID)
		}
	}

	e.logger.Debug("graph diff computed",
		"scenario", v1.ScenarioID,
		"from", v1.Version,
		"to", v2.Version,
		"anchors", len(m.Anchors),
		"deleted", len(m.DeletedNodes),
		"new", len(m.NewNodeIDs))
	return m, nil
}

// region is the set of steps between an anchor and its neighbouring anchors.
type region struct {
	interior []string // Non-anchor steps, BFS order
	boundary []string // Neighbouring anchors where the walk stopped
}

// walk runs a BFS from start following next, stopping at anchors and, when
// stopAtEntry is set, at the entry step. start itself is never part of the region.
func walk(v *version, start string, next func(string) []string, anchors map[string]bool, stopAtEntry bool) region {
	var r region
	visited := map[string]bool{start: true}
	queue := slices.Clone(next(start))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if anchors[v.hash[id]] {
			r.boundary = append(r.boundary, id)
			continue
		}
		r.interior = append(r.interior, id)
		if stopAtEntry && id == v.g.EntryStepID {
			continue
		}
		for _, n := range next(id) {
			if !visited[n] {
				queue = append(queue, n)
			}
		}
	}
	return r
}

func upstreamChanges(old, cur *version, oldID, newID string, anchors map[string]bool) types.ChangeSet {
	r1 := walk(old, oldID, func(id string) []string { return old.preds[id] }, anchors, true)
	r2 := walk(cur, newID, func(id string) []string { return cur.preds[id] }, anchors, true)
	// Boundary anchors' outgoing edges are part of what feeds the anchor.
	src1 := append(slices.Clone(r1.interior), r1.boundary...)
	src2 := append(slices.Clone(r2.interior), r2.boundary...)
	return compareRegions(old, cur, r1.interior, r2.interior, src1, src2)
}

func downstreamChanges(old, cur *version, oldID, newID string, anchors map[string]bool) types.ChangeSet {
	r1 := walk(old, oldID, old.successors, anchors, false)
	r2 := walk(cur, newID, cur.successors, anchors, false)
	// The anchor's own outgoing edges are the first thing downstream.
	src1 := append([]string{oldID}, r1.interior...)
	src2 := append([]string{newID}, r2.interior...)
	return compareRegions(old, cur, r1.interior, r2.interior, src1, src2)
}

type edge struct {
	src, dst, cond string // Hashes and trimmed condition
}

func outgoing(v *version, ids []string) []edge {
	var out []edge
	seen := map[edge]bool{}
	for _, id := range ids {
		s := v.g.Step(id)
		if s == nil {
			continue
		}
		for _, t := range s.Transitions {
			e := edge{src: v.hash[id], dst: v.hash[t.To], cond: strings.TrimSpace(t.Condition)}
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

func compareRegions(old, cur *version, interior1, interior2, src1, src2 []string) types.ChangeSet {
	var cs types.ChangeSet

	for _, id := range interior2 {
		h := cur.hash[id]
		if len(old.byHash[h]) > 0 {
			continue
		}
		s := cur.g.Step(id)
		cs.InsertedNodes = append(cs.InsertedNodes, types.InsertedNode{
			StepID:       id,
			StepName:     s.Name,
			ContentHash:  h,
			Fields:       slices.Clone(s.Fields),
			HasRules:     len(s.RuleIDs) > 0,
			IsCheckpoint: s.IsCheckpoint,
		})
	}
	for _, id := range interior1 {
		if len(cur.byHash[old.hash[id]]) == 0 {
			cs.RemovedNodeIDs = append(cs.RemovedNodeIDs, id)
		}
	}

	for _, id := range src2 {
		if f, ok := newFork(old, cur, id); ok {
			cs.NewForks = append(cs.NewForks, f)
		}
	}

	cs.ModifiedTransitions = transitionChanges(outgoing(old, src1), outgoing(cur, src2))
	return cs
}

// newFork reports whether a v2 step is a branching point whose outgoing
// (target, condition) set differs from its v1 counterpart.
func newFork(old, cur *version, id string) (types.NewFork, bool) {
	s := cur.g.Step(id)
	if s == nil || len(s.Transitions) < 2 {
		return types.NewFork{}, false
	}
	h := cur.hash[id]
	out2 := outgoing(cur, []string{id})
	if oldID, ok := old.unique(h); ok {
		out1 := outgoing(old, []string{oldID})
		if sameEdges(out1, out2) {
			return types.NewFork{}, false
		}
	}
	f := types.NewFork{StepID: id, StepName: s.Name, ContentHash: h}
	for _, t := range s.Transitions {
		f.Branches = append(f.Branches, types.ForkBranch{
			Name:           t.Name,
			TargetStepID:   t.To,
			TargetHash:     cur.hash[t.To],
			Condition:      strings.TrimSpace(t.Condition),
			ConditionReads: condition.Fields(t.Condition),
		})
	}
	return f, true
}

func sameEdges(a, b []edge) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[edge]bool, len(a))
	for _, e := range a {
		set[e] = true
	}
	for _, e := range b {
		if !set[e] {
			return false
		}
	}
	return true
}

// transitionChanges pairs removed and added edges that share a source and
// condition into redirects; the rest are plain additions or removals.
func transitionChanges(e1, e2 []edge) []types.TransitionChange {
	in1 := map[edge]bool{}
	for _, e := range e1 {
		in1[e] = true
	}
	in2 := map[edge]bool{}
	for _, e := range e2 {
		in2[e] = true
	}

	var removed, added []edge
	for _, e := range e1 {
		if !in2[e] {
			removed = append(removed, e)
		}
	}
	for _, e := range e2 {
		if !in1[e] {
			added = append(added, e)
		}
	}

	var out []types.TransitionChange
	used := make([]bool, len(added))
	for _, r := range removed {
		matched := false
		for i, a := range added {
			if used[i] || a.src != r.src || a.cond != r.cond {
				continue
			}
			used[i] = true
			matched = true
			out = append(out, types.TransitionChange{
				Kind:          types.TransitionRedirected,
				SourceHash:    r.src,
				Condition:     r.cond,
				OldTargetHash: r.dst,
				NewTargetHash: a.dst,
			})
			break
		}
		if !matched {
			out = append(out, types.TransitionChange{
				Kind:          types.TransitionRemoved,
				SourceHash:    r.src,
				Condition:     r.cond,
				OldTargetHash: r.dst,
			})
		}
	}
	for i, a := range added {
		if used[i] {
			continue
		}
		out = append(out, types.TransitionChange{
			Kind:          types.TransitionAdded,
			SourceHash:    a.src,
			Condition:     a.cond,
			NewTargetHash: a.dst,
		})
	}
	return out
}

// relocate finds the nearest anchors of a v1 step that is not itself an
// anchor: fewest hops upstream first, then fewest hops downstream. Ties at
// the same distance go to the anchor declared first in v1.
func relocate(old *version, s *types.Step, anchors map[string]bool) types.DeletedNode {
	d := types.DeletedNode{
		OldStepID:   s.ID,
		StepName:    s.Name,
		ContentHash: old.hash[s.ID],
	}
	if h, hops, ok := nearestAnchor(old, s.ID, func(id string) []string { return old.preds[id] }, anchors); ok {
		d.NearestAnchorHash, d.UpstreamHops = h, hops
	}
	if h, hops, ok := nearestAnchor(old, s.ID, old.successors, anchors); ok {
		d.DownstreamAnchorHash, d.DownstreamHops = h, hops
	}
	return d
}

func nearestAnchor(v *version, start string, next func(string) []string, anchors map[string]bool) (string, int, bool) {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	for hops := 1; len(frontier) > 0; hops++ {
		var level []string
		for _, id := range frontier {
			for _, n := range next(id) {
				if visited[n] {
					continue
				}
				visited[n] = true
				level = append(level, n)
			}
		}
		best := ""
		bestIdx := -1
		for _, id := range level {
			if !anchors[v.hash[id]] {
				continue
			}
			if idx := v.g.IndexOf(id); bestIdx == -1 || idx < bestIdx {
				best, bestIdx = id, idx
			}
		}
		if best != "" {
			return v.hash[best], hops, true
		}
		frontier = level
	}
	return "", 0, false
}
