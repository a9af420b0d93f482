package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/steveyegge/flowshift/internal/types"
)

// PrintTransformation writes a diff between two scenario versions: anchors
// with their upstream and downstream changes, deleted nodes with their
// relocation targets, and ambiguous hashes.
func PrintTransformation(w io.Writer, m *types.TransformationMap) {
	fmt.Fprintln(w, RenderCategory("Anchors"))
	for _, a := range m.Anchors {
		id := a.NewStepID
		if a.OldStepID != a.NewStepID {
			id = a.OldStepID + " → " + a.NewStepID
		}
		fmt.Fprintf(w, "%s%-24s %s %s\n", TreeIndent, id, RenderMuted(a.ContentHash), a.MigrationScenario)
		printChanges(w, "upstream", a.Upstream.ChangeSet)
		printChanges(w, "downstream", a.Downstream.ChangeSet)
	}

	if len(m.DeletedNodes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, RenderCategory("Deleted"))
		for _, d := range m.DeletedNodes {
			target := "exit"
			switch {
			case d.NearestAnchorHash != "":
				target = fmt.Sprintf("%s (%d hops up)", d.NearestAnchorHash, d.UpstreamHops)
			case d.DownstreamAnchorHash != "":
				target = fmt.Sprintf("%s (%d hops down)", d.DownstreamAnchorHash, d.DownstreamHops)
			}
			fmt.Fprintf(w, "%s%-24s relocate → %s\n", TreeIndent, d.OldStepID, target)
		}
	}

	if len(m.NewNodeIDs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, RenderCategory("New"))
		fmt.Fprintf(w, "%s%s %s\n", TreeIndent, RenderInfoIcon(), strings.Join(m.NewNodeIDs, ", "))
	}

	if len(m.AmbiguousAnchors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, RenderCategory("Ambiguous"))
		for _, amb := range m.AmbiguousAnchors {
			fmt.Fprintf(w, "%s%s %s v1=[%s] v2=[%s]\n", TreeIndent, RenderWarnIcon(), amb.ContentHash,
				strings.Join(amb.OldStepIDs, ","), strings.Join(amb.NewStepIDs, ","))
		}
	}
}

func printChanges(w io.Writer, label string, c types.ChangeSet) {
	if c.IsEmpty() {
		return
	}
	var parts []string
	if n := len(c.InsertedNodes); n > 0 {
		names := make([]string, 0, n)
		for _, in := range c.InsertedNodes {
			names = append(names, in.StepID)
		}
		parts = append(parts, "inserted "+strings.Join(names, ","))
	}
	if n := len(c.RemovedNodeIDs); n > 0 {
		parts = append(parts, "removed "+strings.Join(c.RemovedNodeIDs, ","))
	}
	for _, f := range c.NewForks {
		parts = append(parts, fmt.Sprintf("fork at %s (%d branches)", f.StepID, len(f.Branches)))
	}
	if n := len(c.ModifiedTransitions); n > 0 {
		parts = append(parts, fmt.Sprintf("%d transition changes", n))
	}
	fmt.Fprintf(w, "%s%s%s %s\n", TreeIndent, TreeLast, RenderMuted(label+":"), strings.Join(parts, "; "))
}
