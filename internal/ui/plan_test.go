package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/flowshift/internal/types"
)

func TestPrintPlan(t *testing.T) {
	p := &types.MigrationPlan{
		ID:          "p-1",
		ScenarioID:  "refund",
		FromVersion: 1,
		ToVersion:   2,
		Status:      types.PlanPending,
		Transformation: &types.TransformationMap{Anchors: []types.AnchorTransformation{
			{StepName: "Greet", ContentHash: "aaaa", MigrationScenario: types.ScenarioCleanGraft},
			{StepName: "Confirm", ContentHash: "bbbb", MigrationScenario: types.ScenarioGapFill},
		}},
		Policies: map[string]*types.AnchorMigrationPolicy{
			"bbbb": {AnchorContentHash: "bbbb", UpdateDownstream: false, Scope: types.ScopeFilter{ExcludeChannels: []string{"email"}, MinSessionAge: time.Hour}},
		},
		Summary: types.MigrationSummary{
			ScenarioCounts:   map[types.MigrationScenario]int{types.ScenarioCleanGraft: 1, types.ScenarioGapFill: 1},
			AffectedSessions: map[string]int{"aaaa": 4, "bbbb": 2},
			TotalAffected:    6,
			AmbiguousAnchors: 1,
			Warnings:         []string{"step hash cccc appears more than once"},
			RequiredFields:   []string{"email"},
		},
	}

	var buf bytes.Buffer
	PrintPlan(&buf, p)
	out := buf.String()

	for _, want := range []string{
		"p-1", "refund v1 → v2", "PENDING",
		"clean_graft  1 anchors", "affected sessions: 6",
		"Greet", "4 sessions", "(downstream frozen)",
		"scope: !channels=email min-age=1h0m0s",
		"email", "appears more than once", "--acknowledge-ambiguity",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintPlan() output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	PrintResult(&buf, "s-1", &types.ReconciliationResult{
		Action:              types.ActionContinue,
		Scenario:            types.ScenarioReRoute,
		BlockedByCheckpoint: true,
		CheckpointWarning:   "teleport to greet blocked by checkpoint confirm",
	})
	out := buf.String()
	for _, want := range []string{"s-1 CONTINUE", "(re_route)", "blocked by checkpoint confirm"} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintResult() output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderEnumsCoverEveryValue(t *testing.T) {
	for _, s := range []types.PlanStatus{types.PlanPending, types.PlanApproved, types.PlanDeployed, types.PlanRejected, types.PlanSuperseded} {
		if !strings.Contains(RenderPlanStatus(s), strings.ToUpper(string(s))) {
			t.Errorf("RenderPlanStatus(%s) lost the label", s)
		}
	}
	for _, a := range []types.ReconciliationAction{types.ActionContinue, types.ActionTeleport, types.ActionCollect, types.ActionExecuteAction, types.ActionExitScenario} {
		if !strings.Contains(RenderAction(a), strings.ToUpper(string(a))) {
			t.Errorf("RenderAction(%s) lost the label", a)
		}
	}
}
