package migration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/types"
)

// FindLastCheckpoint returns the most recent checkpoint the session passed, or nil.
func FindLastCheckpoint(s *types.Session) *types.StepVisit {
	for i := len(s.StepHistory) - 1; i >= 0; i-- {
		if s.StepHistory[i].IsCheckpoint {
			v := s.StepHistory[i]
			return &v
		}
	}
	return nil
}

// IsUpstreamOf reports whether checkpoint is reachable from candidate in g.
// A step is only upstream of itself when a cycle leads back to it.
func IsUpstreamOf(candidate, checkpoint string, g *types.ScenarioGraph) bool {
	return g.ReachableFrom(candidate, checkpoint)
}

// checkpointGuard vets teleport targets in one target graph against the
// session's last passed checkpoint.
type checkpointGuard struct {
	graph  *types.ScenarioGraph
	visit  *types.StepVisit
	stepID string // Checkpoint step in graph; "" when it no longer exists
	logger *slog.Logger
}

func newCheckpointGuard(s *types.Session, g *types.ScenarioGraph, logger *slog.Logger) *checkpointGuard {
	c := &checkpointGuard{graph: g, visit: FindLastCheckpoint(s), logger: logger}
	if c.visit == nil {
		return c
	}
	// Prefer the content hash: step IDs may be renamed between versions.
	var byHash []string
	for id, h := range hashing.HashGraph(g) {
		if h == c.visit.ContentHash {
			byHash = append(byHash, id)
		}
	}
	switch {
	case len(byHash) == 1:
		c.stepID = byHash[0]
	case g.Step(c.visit.StepID) != nil:
		c.stepID = c.visit.StepID
	default:
		logger.Warn("passed checkpoint not in target scenario, guard disabled",
			"checkpoint_step", c.visit.StepName,
			"checkpoint_id", c.visit.StepID,
			"version", g.Version)
	}
	return c
}

// blocks reports whether teleporting to target would put the customer
// before the checkpoint they already passed.
func (c *checkpointGuard) blocks(target string) bool {
	if c.stepID == "" || target == "" {
		return false
	}
	return IsUpstreamOf(target, c.stepID, c.graph)
}

// allow returns true when target may be used. Blocked targets are logged.
func (c *checkpointGuard) allow(ctx context.Context, sessionID, target string) bool {
	if !c.blocks(target) {
		return true
	}
	c.logger.Warn("teleport blocked by checkpoint",
		"session", sessionID,
		"target_step", stepName(c.graph, target),
		"checkpoint_step", c.visit.StepName)
	recordCheckpointBlock(ctx)
	return false
}

func (c *checkpointGuard) warning(target string) string {
	desc := c.visit.CheckpointDescription
	if desc == "" {
		desc = c.visit.StepName
	}
	return fmt.Sprintf("not moving to %q: customer already passed checkpoint %q (%s)",
		stepName(c.graph, target), c.visit.StepName, desc)
}

func stepName(g *types.ScenarioGraph, id string) string {
	if s := g.Step(id); s != nil && s.Name != "" {
		return s.Name
	}
	return id
}
