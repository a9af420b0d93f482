package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUpdateYamlKey(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		key      string
		value    string
		expected string
	}{
		{
			name:     "update commented key",
			content:  "# backend: memory\ntenant: acme",
			key:      "backend",
			value:    "dolt",
			expected: "backend: dolt\ntenant: acme",
		},
		{
			name:     "update existing key",
			content:  "deploy.concurrency: 8\ntenant: acme",
			key:      "deploy.concurrency",
			value:    "16",
			expected: "deploy.concurrency: 16\ntenant: acme",
		},
		{
			name:     "add new key",
			content:  "tenant: acme",
			key:      "plan.ttl",
			value:    "48h",
			expected: "tenant: acme\n\nplan.ttl: 48h",
		},
		{
			name:     "empty file",
			content:  "",
			key:      "dolt.server-mode",
			value:    "TRUE",
			expected: "dolt.server-mode: true",
		},
		{
			name:     "preserve indentation",
			content:  "  # log.level: info\nother: x",
			key:      "log.level",
			value:    "debug",
			expected: "  log.level: debug\nother: x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := updateYamlKey(tt.content, tt.key, tt.value)
			if err != nil {
				t.Fatalf("updateYamlKey() error = %v", err)
			}
			if got != tt.expected {
				t.Errorf("updateYamlKey() =\n%q\nwant:\n%q", got, tt.expected)
			}
		})
	}
}

func TestFormatYamlValue(t *testing.T) {
	tests := []struct {
		value    string
		expected string
	}{
		{"true", "true"},
		{"FALSE", "false"},
		{"0.85", "0.85"},
		{"-3", "-3"},
		{"10s", "10s"},
		{"720h", "720h"},
		{"claude-haiku-4-5", "claude-haiku-4-5"},
		{"has: colon", `"has: colon"`},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := formatYamlValue(tt.value); got != tt.expected {
				t.Errorf("formatYamlValue(%q) = %q, want %q", tt.value, got, tt.expected)
			}
		})
	}
}

func TestSetYamlConfigCreatesProjectFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path, err := SetYamlConfig("backend", "dolt")
	if err != nil {
		t.Fatalf("SetYamlConfig() error = %v", err)
	}
	if filepath.Base(path) != "config.yaml" || filepath.Base(filepath.Dir(path)) != DirName {
		t.Fatalf("SetYamlConfig() wrote %s, want %s/config.yaml", path, DirName)
	}
	if _, err := os.Stat(filepath.Join(dir, DirName, "config.yaml")); err != nil {
		t.Fatalf("config.yaml not created in working directory: %v", err)
	}

	if _, err := SetYamlConfig("tenant", "acme"); err != nil {
		t.Fatalf("second SetYamlConfig() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "backend: dolt") || !strings.Contains(got, "tenant: acme") {
		t.Fatalf("config.yaml = %q, want both keys", got)
	}

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if GetString("backend") != "dolt" {
		t.Errorf("backend = %q after reload, want dolt", GetString("backend"))
	}
}

func TestSetYamlConfigFindsParentFile(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, DirName), 0o750); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(root, DirName, "config.yaml")
	if err := os.WriteFile(existing, []byte("tenant: acme\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o750); err != nil {
		t.Fatal(err)
	}
	t.Chdir(sub)

	path, err := SetYamlConfig("log.level", "debug")
	if err != nil {
		t.Fatalf("SetYamlConfig() error = %v", err)
	}
	if filepath.Base(filepath.Dir(filepath.Dir(path))) != filepath.Base(root) {
		t.Fatalf("SetYamlConfig() wrote %s, want the file under %s", path, root)
	}
	if _, err := os.Stat(filepath.Join(sub, DirName)); !os.IsNotExist(err) {
		t.Fatalf("unexpected %s created in subdirectory", DirName)
	}
}
