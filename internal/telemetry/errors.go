package telemetry

import (
	"errors"

	"github.com/steveyegge/flowshift/internal/storage"
)

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrConflict)
}
