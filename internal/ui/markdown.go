package ui

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/steveyegge/flowshift/internal/types"
)

// PlanMarkdown renders a plan as a review document suitable for pasting into
// a change request.
func PlanMarkdown(p *types.MigrationPlan) string {
	var b strings.Builder
	s := p.Summary

	fmt.Fprintf(&b, "# Migration plan %s\n\n", p.ID)
	fmt.Fprintf(&b, "`%s` v%d → v%d, status **%s**, expires %s.\n\n",
		p.ScenarioID, p.FromVersion, p.ToVersion, p.Status, p.ExpiresAt.Format("2006-01-02 15:04 MST"))

	b.WriteString("## Summary\n\n")
	b.WriteString("| Scenario | Anchors |\n|---|---|\n")
	for _, sc := range []types.MigrationScenario{types.ScenarioCleanGraft, types.ScenarioGapFill, types.ScenarioReRoute} {
		fmt.Fprintf(&b, "| %s | %d |\n", sc, s.ScenarioCounts[sc])
	}
	fmt.Fprintf(&b, "\n- new nodes: %d\n- deleted nodes: %d\n- ambiguous hashes: %d\n- affected sessions: %d\n",
		s.NewNodes, s.DeletedNodes, s.AmbiguousAnchors, s.TotalAffected)

	if p.Transformation != nil && len(p.Transformation.Anchors) > 0 {
		b.WriteString("\n## Anchors\n\n")
		b.WriteString("| Step | Hash | Scenario | Sessions | Policy |\n|---|---|---|---|---|\n")
		for _, a := range p.Transformation.Anchors {
			pol := p.PolicyFor(a.ContentHash)
			sc := a.MigrationScenario
			if pol.ForceScenario != "" {
				sc = pol.ForceScenario + " (forced)"
			}
			var notes []string
			if !pol.UpdateDownstream {
				notes = append(notes, "downstream frozen")
			}
			if !pol.Scope.IsEmpty() {
				notes = append(notes, describeScope(&pol.Scope))
			}
			fmt.Fprintf(&b, "| %s | `%s` | %s | %d | %s |\n",
				a.StepName, a.ContentHash, sc, s.AffectedSessions[a.ContentHash], strings.Join(notes, "; "))
		}
	}

	if len(s.RequiredFields) > 0 {
		fields := slices.Clone(s.RequiredFields)
		slices.Sort(fields)
		b.WriteString("\n## Fields to collect\n\n")
		for _, f := range fields {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}

	if len(s.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range s.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		if s.AmbiguousAnchors > 0 && !p.AmbiguityAcknowledged {
			b.WriteString("\n> Approval requires `--acknowledge-ambiguity`.\n")
		}
	}
	return b.String()
}

// RenderMarkdown styles markdown for the terminal. Without color support the
// input is returned unchanged so it can be piped. A width of zero wraps at
// the terminal width, capped at 100 columns.
func RenderMarkdown(md string, width int) string {
	if !ShouldUseColor() {
		return md
	}
	if width <= 0 {
		width = 80
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = min(w, 100)
		}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
