// Package factory provides functions for creating storage backends based on configuration.
package factory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/storage/memory"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendDolt   = "dolt"
)

// BackendFactory is a function that creates a storage backend
type BackendFactory func(ctx context.Context, opts Options) (storage.Store, error)

// backendRegistry holds registered backend factories
var backendRegistry = make(map[string]BackendFactory)

// RegisterBackend registers a storage backend factory
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

func init() {
	RegisterBackend(BackendMemory, func(context.Context, Options) (storage.Store, error) {
		return memory.New(), nil
	})
}

// Options configures how the storage backend is opened
type Options struct {
	Path     string // Embedded database directory
	Database string // Database name (default: flowshift)

	// Dolt server mode options
	ServerMode     bool
	ServerHost     string
	ServerPort     int
	ServerUser     string
	ServerPassword string
	ServerTLS      bool
}

// New creates a storage backend by name. An empty name means memory.
func New(ctx context.Context, backend string, opts Options) (storage.Store, error) {
	if backend == "" {
		backend = BackendMemory
	}
	if factory, ok := backendRegistry[backend]; ok {
		return factory(ctx, opts)
	}
	return nil, fmt.Errorf("unknown storage backend: %s (supported: %s)", backend, strings.Join(Backends(), ", "))
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
