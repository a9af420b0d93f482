package ui

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/steveyegge/flowshift/internal/types"
)

// PrintPlan writes the operator-facing view of a plan: header, counts by
// migration scenario, per-anchor estimates, warnings and required fields.
func PrintPlan(w io.Writer, p *types.MigrationPlan) {
	fmt.Fprintf(w, "%s %s  %s v%d → v%d  %s\n",
		RenderAccent("Plan"), p.ID, p.ScenarioID, p.FromVersion, p.ToVersion, RenderPlanStatus(p.Status))
	fmt.Fprintf(w, "%s\n", RenderMuted(fmt.Sprintf("created %s, expires %s",
		p.CreatedAt.Format("2006-01-02 15:04"), p.ExpiresAt.Format("2006-01-02 15:04"))))
	fmt.Fprintln(w, RenderSeparator())

	s := p.Summary
	fmt.Fprintln(w, RenderCategory("Summary"))
	for _, sc := range []types.MigrationScenario{types.ScenarioCleanGraft, types.ScenarioGapFill, types.ScenarioReRoute} {
		fmt.Fprintf(w, "%s%-12s %d anchors\n", TreeIndent, sc, s.ScenarioCounts[sc])
	}
	fmt.Fprintf(w, "%snew nodes: %d  deleted nodes: %d  ambiguous: %d\n", TreeIndent, s.NewNodes, s.DeletedNodes, s.AmbiguousAnchors)
	fmt.Fprintf(w, "%saffected sessions: %d\n", TreeIndent, s.TotalAffected)

	if p.Transformation != nil && len(p.Transformation.Anchors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, RenderCategory("Anchors"))
		for _, a := range p.Transformation.Anchors {
			pol := p.PolicyFor(a.ContentHash)
			sc := a.MigrationScenario
			if pol.ForceScenario != "" {
				sc = pol.ForceScenario
			}
			line := fmt.Sprintf("%s%-16s %s %-12s %d sessions", TreeIndent, a.StepName, RenderMuted(a.ContentHash), sc, s.AffectedSessions[a.ContentHash])
			if !pol.UpdateDownstream {
				line += RenderMuted(" (downstream frozen)")
			}
			fmt.Fprintln(w, line)
			if !pol.Scope.IsEmpty() {
				fmt.Fprintf(w, "%s%s%s\n", TreeIndent, TreeLast, RenderMuted(describeScope(&pol.Scope)))
			}
		}
	}

	if len(s.RequiredFields) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, RenderCategory("Fields to collect"))
		fmt.Fprintf(w, "%s%s\n", TreeIndent, strings.Join(s.RequiredFields, ", "))
	}

	if len(s.Warnings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, RenderCategory("Warnings"))
		for _, warn := range s.Warnings {
			fmt.Fprintf(w, "%s%s %s\n", TreeIndent, RenderWarnIcon(), warn)
		}
		if s.AmbiguousAnchors > 0 && !p.AmbiguityAcknowledged {
			fmt.Fprintf(w, "%s%s\n", TreeIndent, RenderWarn("approval requires --acknowledge-ambiguity"))
		}
	}
}

func describeScope(f *types.ScopeFilter) string {
	var parts []string
	add := func(label string, vals []string) {
		if len(vals) > 0 {
			v := slices.Clone(vals)
			slices.Sort(v)
			parts = append(parts, label+"="+strings.Join(v, ","))
		}
	}
	add("channels", f.IncludeChannels)
	add("!channels", f.ExcludeChannels)
	add("steps", f.IncludeSteps)
	add("!steps", f.ExcludeSteps)
	if f.MinSessionAge > 0 {
		parts = append(parts, "min-age="+f.MinSessionAge.String())
	}
	if f.MaxSessionAge > 0 {
		parts = append(parts, "max-age="+f.MaxSessionAge.String())
	}
	return "scope: " + strings.Join(parts, " ")
}

// PrintResult writes one reconciliation result.
func PrintResult(w io.Writer, sessionID string, r *types.ReconciliationResult) {
	fmt.Fprintf(w, "%s %s", sessionID, RenderAction(r.Action))
	if r.TargetStepID != "" {
		fmt.Fprintf(w, " → %s", r.TargetStepID)
	}
	if r.Scenario != "" {
		fmt.Fprintf(w, " %s", RenderMuted("("+string(r.Scenario)+")"))
	}
	fmt.Fprintln(w)
	if len(r.CollectFields) > 0 {
		fmt.Fprintf(w, "%s%scollect: %s\n", TreeIndent, TreeLast, strings.Join(r.CollectFields, ", "))
	}
	if r.BlockedByCheckpoint {
		fmt.Fprintf(w, "%s%s %s\n", TreeIndent, RenderWarnIcon(), r.CheckpointWarning)
	}
	if r.Message != "" {
		fmt.Fprintf(w, "%s%s\n", TreeIndent, RenderMuted(r.Message))
	}
}
