package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/flowshift/internal/hashing"
)

const onboardingYAML = `
tenant_id: acme
scenario_id: onboarding
version: 2
name: Onboarding
entry_step_id: greet
steps:
  - id: greet
    name: Greet
    transitions:
      - to: ask_email
  - id: ask_email
    name: Ask email
    rule_ids: [r-polite]
    fields:
      - name: email
        type: email
        hint: work address preferred
    transitions:
      - to: done
        name: has_email
        condition: email exists
  - id: done
    name: Done
    is_checkpoint: true
    checkpoint_description: account created
    performs_action: true
`

const onboardingTOML = `
tenant_id = "acme"
scenario_id = "onboarding"
version = 2
name = "Onboarding"
entry_step_id = "greet"

[[steps]]
id = "greet"
name = "Greet"
  [[steps.transitions]]
  to = "ask_email"

[[steps]]
id = "ask_email"
name = "Ask email"
rule_ids = ["r-polite"]
  [[steps.fields]]
  name = "email"
  type = "email"
  hint = "work address preferred"
  [[steps.transitions]]
  to = "done"
  name = "has_email"
  condition = "email exists"

[[steps]]
id = "done"
name = "Done"
is_checkpoint = true
checkpoint_description = "account created"
performs_action = true
`

const onboardingJSON = `{
  "tenant_id": "acme",
  "scenario_id": "onboarding",
  "version": 2,
  "name": "Onboarding",
  "entry_step_id": "greet",
  "steps": [
    {"id": "greet", "name": "Greet", "transitions": [{"to": "ask_email"}]},
    {"id": "ask_email", "name": "Ask email", "rule_ids": ["r-polite"],
     "fields": [{"name": "email", "type": "email", "hint": "work address preferred"}],
     "transitions": [{"to": "done", "name": "has_email", "condition": "email exists"}]},
    {"id": "done", "name": "Done", "is_checkpoint": true,
     "checkpoint_description": "account created", "performs_action": true}
  ]
}`

func TestParse_FormatsAgree(t *testing.T) {
	docs := map[Format]string{
		FormatYAML: onboardingYAML,
		FormatTOML: onboardingTOML,
		FormatJSON: onboardingJSON,
	}

	var want string
	for _, format := range []Format{FormatJSON, FormatYAML, FormatTOML} {
		g, err := Parse([]byte(docs[format]), format)
		if err != nil {
			t.Fatalf("Parse(%s) failed: %v", format, err)
		}
		if g.TenantID != "acme" || g.ScenarioID != "onboarding" || g.Version != 2 {
			t.Errorf("%s: header = %s/%s v%d", format, g.TenantID, g.ScenarioID, g.Version)
		}
		if len(g.Steps) != 3 {
			t.Fatalf("%s: len(Steps) = %d, want 3", format, len(g.Steps))
		}
		ask := g.Step("ask_email")
		if ask == nil || len(ask.Fields) != 1 || ask.Fields[0].Type != "email" {
			t.Errorf("%s: ask_email fields = %+v", format, ask)
		}
		if done := g.Step("done"); done == nil || !done.IsCheckpoint || !done.PerformsAction {
			t.Errorf("%s: done step lost checkpoint flags: %+v", format, done)
		}

		sum := hashing.GraphChecksum(g)
		if want == "" {
			want = sum
		} else if sum != want {
			t.Errorf("%s checksum = %s, want %s (same graph in another format)", format, sum, want)
		}
	}
}

func TestParse_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		schema  bool
		wantErr string
	}{
		{
			name:   "missing steps",
			doc:    `{"scenario_id": "s", "version": 1, "entry_step_id": "a"}`,
			schema: true,
		},
		{
			name:   "version zero",
			doc:    `{"scenario_id": "s", "version": 0, "entry_step_id": "a", "steps": [{"id": "a", "name": "A"}]}`,
			schema: true,
		},
		{
			name:   "unknown field type",
			doc:    `{"scenario_id": "s", "version": 1, "entry_step_id": "a", "steps": [{"id": "a", "name": "A", "fields": [{"name": "x", "type": "color"}]}]}`,
			schema: true,
		},
		{
			name:   "unknown property",
			doc:    `{"scenario_id": "s", "version": 1, "entry_step_id": "a", "steps": [{"id": "a", "name": "A", "colour": "red"}]}`,
			schema: true,
		},
		{
			name:    "dangling transition",
			doc:     `{"scenario_id": "s", "version": 1, "entry_step_id": "a", "steps": [{"id": "a", "name": "A", "transitions": [{"to": "b"}]}]}`,
			wantErr: "unknown step",
		},
		{
			name:    "duplicate step",
			doc:     `{"scenario_id": "s", "version": 1, "entry_step_id": "a", "steps": [{"id": "a", "name": "A"}, {"id": "a", "name": "B"}]}`,
			wantErr: "duplicate step id",
		},
		{
			name:    "unknown entry",
			doc:     `{"scenario_id": "s", "version": 1, "entry_step_id": "z", "steps": [{"id": "a", "name": "A"}]}`,
			wantErr: "entry step",
		},
		{
			name:    "not json",
			doc:     `{"scenario_id": `,
			wantErr: "invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), FormatJSON)
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			var verr *ValidationError
			if got := errors.As(err, &verr); got != tt.schema {
				t.Errorf("schema error = %v, want %v (err: %v)", got, tt.schema, err)
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_MalformedYAMLAndTOML(t *testing.T) {
	if _, err := Parse([]byte("steps: [unclosed"), FormatYAML); err == nil {
		t.Error("expected YAML parse error")
	}
	if _, err := Parse([]byte("steps = [ = ]"), FormatTOML); err == nil {
		t.Error("expected TOML parse error")
	}
	if _, err := Parse([]byte("{}"), Format("xml")); err == nil {
		t.Error("expected unknown format error")
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	g, err := Parse([]byte(onboardingYAML), FormatYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := hashing.GraphChecksum(g)

	for _, format := range []Format{FormatJSON, FormatYAML, FormatTOML} {
		data, err := Marshal(g, format)
		if err != nil {
			t.Fatalf("Marshal(%s) failed: %v", format, err)
		}
		back, err := Parse(data, format)
		if err != nil {
			t.Fatalf("Parse(Marshal(%s)) failed: %v\n%s", format, err, data)
		}
		if got := hashing.GraphChecksum(back); got != want {
			t.Errorf("%s round trip changed checksum: %s != %s", format, got, want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "onboarding.v2.toml")
	if err := os.WriteFile(path, []byte(onboardingTOML), 0o600); err != nil {
		t.Fatal(err)
	}
	g, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if g.EntryStepID != "greet" {
		t.Errorf("EntryStepID = %q, want greet", g.EntryStepID)
	}

	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(txt); err == nil {
		t.Error("LoadFile(.txt) succeeded, want unsupported extension error")
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadFile(missing) succeeded, want error")
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path string
		want Format
		ok   bool
	}{
		{"a/b/flow.yaml", FormatYAML, true},
		{"flow.YML", FormatYAML, true},
		{"flow.toml", FormatTOML, true},
		{"flow.json", FormatJSON, true},
		{"flow.json.swp", "", false},
		{"README", "", false},
	}
	for _, tt := range tests {
		got, ok := FormatFromPath(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("FormatFromPath(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}
