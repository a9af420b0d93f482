// Package hashing computes content hashes for scenario steps and checksums
// for whole scenario graphs.
//
// Both are sha256 digests over RFC 8785 (JCS) canonical JSON, so the result
// is independent of map ordering, whitespace and step identifiers.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/steveyegge/flowshift/internal/types"
)

// Length is the number of hex characters kept from the sha256 digest.
const Length = 16

// stepPayload is the semantic content of a step. The step ID and the
// transitions are deliberately absent: renaming a step or rewiring it must
// not change its identity.
type stepPayload struct {
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	RuleIDs               []string `json:"rule_ids"`
	CollectFields         []string `json:"collect_fields"`
	IsCheckpoint          bool     `json:"is_checkpoint"`
	CheckpointDescription string   `json:"checkpoint_description"`
	PerformsAction        bool     `json:"performs_action"`
}

type checksumPayload struct {
	Nodes []string    `json:"nodes"`
	Edges [][3]string `json:"edges"`
	Entry string      `json:"entry"`
}

// Canonicalize returns the RFC 8785 canonical form of JSON input.
func Canonicalize(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// Digest canonicalizes JSON input and returns its truncated sha256 hex digest.
func Digest(input []byte) (string, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:Length], nil
}

// StepHash returns the content hash of a step.
func StepHash(s *types.Step) string {
	rules := sortedCopy(s.RuleIDs)
	fields := sortedCopy(s.FieldNames())
	return mustDigest(stepPayload{
		Name:                  strings.TrimSpace(s.Name),
		Description:           strings.TrimSpace(s.Description),
		RuleIDs:               rules,
		CollectFields:         fields,
		IsCheckpoint:          s.IsCheckpoint,
		CheckpointDescription: strings.TrimSpace(s.CheckpointDescription),
		PerformsAction:        s.PerformsAction,
	})
}

// HashGraph returns the content hash of every step keyed by step ID.
func HashGraph(g *types.ScenarioGraph) map[string]string {
	out := make(map[string]string, len(g.Steps))
	for _, s := range g.Steps {
		out[s.ID] = StepHash(s)
	}
	return out
}

// GraphChecksum digests the sorted node hashes, the sorted edge list
// (source hash, target hash, condition) and the entry hash. Two versions
// that differ only in step identifiers have the same checksum.
func GraphChecksum(g *types.ScenarioGraph) string {
	hashes := HashGraph(g)
	p := checksumPayload{
		Nodes: make([]string, 0, len(g.Steps)),
		Edges: [][3]string{},
		Entry: hashes[g.EntryStepID],
	}
	for _, s := range g.Steps {
		p.Nodes = append(p.Nodes, hashes[s.ID])
		for _, t := range s.Transitions {
			p.Edges = append(p.Edges, [3]string{hashes[s.ID], hashes[t.To], strings.TrimSpace(t.Condition)})
		}
	}
	slices.Sort(p.Nodes)
	slices.SortFunc(p.Edges, func(a, b [3]string) int {
		for i := range a {
			if c := strings.Compare(a[i], b[i]); c != 0 {
				return c
			}
		}
		return 0
	})
	return mustDigest(p)
}

func sortedCopy(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, strings.TrimSpace(v))
	}
	slices.Sort(out)
	return out
}

// mustDigest digests a payload built only from strings and bools, for which
// marshaling and canonicalization cannot fail.
func mustDigest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("hashing: marshal payload: %v", err))
	}
	d, err := Digest(data)
	if err != nil {
		panic(fmt.Sprintf("hashing: %v", err))
	}
	return d
}
