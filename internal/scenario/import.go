package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

// ErrVersionConflict means a version is already stored with different content.
// Stored versions are immutable; publish the change as a new version.
var ErrVersionConflict = errors.New("scenario version already stored with different content")

// Import stores g unless an identical version is already present.
// It reports whether anything was written.
func Import(ctx context.Context, store storage.ScenarioStore, g *types.ScenarioGraph) (bool, error) {
	existing, err := store.GetScenario(ctx, g.TenantID, g.ScenarioID, g.Version)
	switch {
	case err == nil:
		if hashing.GraphChecksum(existing) == hashing.GraphChecksum(g) {
			return false, nil
		}
		return false, fmt.Errorf("scenario %s v%d: %w", g.ScenarioID, g.Version, ErrVersionConflict)
	case !errors.Is(err, storage.ErrNotFound):
		return false, err
	}
	if err := store.PutScenario(ctx, g); err != nil {
		return false, err
	}
	return true, nil
}
