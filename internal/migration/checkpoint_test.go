package migration

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/testutil/teststore"
	"github.com/steveyegge/flowshift/internal/types"
)

func TestFindLastCheckpoint(t *testing.T) {
	tests := []struct {
		name    string
		history []types.StepVisit
		want    string
	}{
		{"empty", nil, ""},
		{"none", []types.StepVisit{{StepID: "a"}, {StepID: "b"}}, ""},
		{"single", []types.StepVisit{{StepID: "a"}, {StepID: "pay", IsCheckpoint: true}, {StepID: "c"}}, "pay"},
		{"latest wins", []types.StepVisit{{StepID: "pay", IsCheckpoint: true}, {StepID: "ship", IsCheckpoint: true}, {StepID: "c"}}, "ship"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindLastCheckpoint(&types.Session{StepHistory: tt.history})
			switch {
			case tt.want == "" && got != nil:
				t.Errorf("got %q, want none", got.StepID)
			case tt.want != "" && (got == nil || got.StepID != tt.want):
				t.Errorf("got %v, want %q", got, tt.want)
			}
		})
	}
}

func TestIsUpstreamOf(t *testing.T) {
	linear := graph(1, step("a", "b"), step("b", "c"), step("c", "d"), step("d"))
	looped := graph(1, step("a", "b"), step("b", "c"), step("c", "d"), step("d", "a"))
	tests := []struct {
		name      string
		g         *types.ScenarioGraph
		candidate string
		want      bool
	}{
		{"before", linear, "a", true},
		{"after", linear, "d", false},
		{"itself", linear, "c", false},
		{"itself through a loop", looped, "c", true},
		{"after but looping back", looped, "d", true},
		{"unknown step", linear, "zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUpstreamOf(tt.candidate, "c", tt.g); got != tt.want {
				t.Errorf("IsUpstreamOf(%s, c) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestCheckpointGuardFollowsRenamedStep(t *testing.T) {
	v1 := teststore.LinearScenario(1)
	confirm := v1.Step("confirm")
	s := &types.Session{ID: "s1", StepHistory: []types.StepVisit{
		{StepID: "greet"},
		{StepID: "confirm", StepName: confirm.Name, ContentHash: hashing.StepHash(confirm), IsCheckpoint: true},
	}}
	logger := slog.New(slog.DiscardHandler)

	guard := newCheckpointGuard(s, renamed(2), logger)
	if guard.stepID != "done" {
		t.Fatalf("checkpoint resolved to %q, want done", guard.stepID)
	}
	if !guard.blocks("email_step") {
		t.Error("step before the checkpoint should be blocked")
	}
	if guard.blocks("done") {
		t.Error("the checkpoint itself is not upstream of itself")
	}

	// Once the checkpoint step is gone there is nothing to protect.
	gone := graph(2, step("hello", "bye"), step("bye"))
	if newCheckpointGuard(s, gone, logger).blocks("hello") {
		t.Error("guard without a checkpoint step blocked a target")
	}

	// No checkpoint passed at all.
	if newCheckpointGuard(&types.Session{}, v1, logger).blocks("greet") {
		t.Error("guard blocked a session that never passed a checkpoint")
	}
}

func TestCheckpointGuardWarnsWhenCheckpointGone(t *testing.T) {
	s := &types.Session{ID: "s1", StepHistory: []types.StepVisit{
		{StepID: "confirm", StepName: "Confirm", ContentHash: "deadbeef", IsCheckpoint: true},
	}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	guard := newCheckpointGuard(s, graph(2, step("hello", "bye"), step("bye")), logger)
	if guard.stepID != "" {
		t.Fatalf("checkpoint resolved to %q, want none", guard.stepID)
	}
	out := buf.String()
	if !strings.Contains(out, "guard disabled") || !strings.Contains(out, "checkpoint_id=confirm") {
		t.Fatalf("missing warning for vanished checkpoint, log: %q", out)
	}

	buf.Reset()
	newCheckpointGuard(s, teststore.LinearScenario(2), logger)
	if buf.Len() != 0 {
		t.Fatalf("unexpected warning when checkpoint id still exists: %q", buf.String())
	}
}
