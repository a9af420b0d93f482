// Package scenario loads scenario graph documents from disk.
//
// Documents may be written in YAML, TOML or JSON. Every document is converted
// to JSON and validated against an embedded JSON schema before it is decoded
// into a types.ScenarioGraph, so the three formats accept exactly the same
// shapes.
package scenario

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/flowshift/internal/types"
)

// Format is the encoding of a scenario document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath detects the document format from the file extension.
// The second return value is false for files that are not scenario documents.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".toml":
		return FormatTOML, true
	default:
		return "", false
	}
}

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		compiledSchema, schemaErr = compiler.Compile(schemaJSON)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile scenario schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// ValidationError reports a document that does not match the scenario schema.
type ValidationError struct {
	Details map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return "scenario document does not match schema"
	}
	parts := make([]string, 0, len(e.Details))
	for path, msg := range e.Details {
		parts = append(parts, path+": "+msg)
	}
	slices.Sort(parts)
	return "scenario document does not match schema: " + strings.Join(parts, "; ")
}

// Parse decodes and validates a scenario document.
func Parse(data []byte, format Format) (*types.ScenarioGraph, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	schema, err := documentSchema()
	if err != nil {
		return nil, err
	}
	result := schema.ValidateJSON(doc)
	if !result.IsValid() {
		details := make(map[string]string, len(result.Errors))
		for path, e := range result.Errors {
			details[path] = e.Error()
		}
		return nil, &ValidationError{Details: details}
	}

	var g types.ScenarioGraph
	if err := json.Unmarshal(doc, &g); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &g, nil
}

// LoadFile reads a scenario document, detecting the format from its extension.
func LoadFile(path string) (*types.ScenarioGraph, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, fmt.Errorf("%s: unsupported scenario file extension", path)
	}
	// #nosec G304 -- path is an operator-supplied scenario file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	g, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return g, nil
}

// toJSON normalizes a document of any supported format into JSON bytes.
func toJSON(data []byte, format Format) ([]byte, error) {
	var doc map[string]any
	switch format {
	case FormatJSON:
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON document")
		}
		return data, nil
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("parse TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown scenario format %q", format)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert %s to JSON: %w", format, err)
	}
	return out, nil
}

// Marshal encodes a scenario graph in the given format.
func Marshal(g *types.ScenarioGraph, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(g, "", "  ")
	case FormatYAML:
		return yaml.Marshal(g)
	case FormatTOML:
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(g); err != nil {
			return nil, err
		}
		return []byte(b.String()), nil
	default:
		return nil, fmt.Errorf("unknown scenario format %q", format)
	}
}
