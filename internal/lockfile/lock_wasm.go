//go:build js && wasm

package lockfile

import "os"

// Single process under wasm; locking is a no-op.
func flockExclusiveNonBlocking(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }
