package factory

import (
	"context"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/storage/dolt"
)

// The dolt backend is always registered: non-CGO builds still support server
// mode, and embedded mode reports its own error.
func init() {
	RegisterBackend(BackendDolt, func(ctx context.Context, opts Options) (storage.Store, error) {
		return dolt.New(ctx, &dolt.Config{
			Path:           opts.Path,
			Database:       opts.Database,
			ServerMode:     opts.ServerMode,
			ServerHost:     opts.ServerHost,
			ServerPort:     opts.ServerPort,
			ServerUser:     opts.ServerUser,
			ServerPassword: opts.ServerPassword,
			ServerTLS:      opts.ServerTLS,
		})
	})
}
