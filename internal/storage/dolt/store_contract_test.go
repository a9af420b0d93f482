//go:build cgo

package dolt_test

import (
	"context"
	"testing"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/testutil/teststore"
)

func TestDoltStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded dolt tests in short mode")
	}
	teststore.RunContract(t, func(t *testing.T) storage.Store {
		return teststore.New(t)
	})
}

func TestCommitAfterWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded dolt tests in short mode")
	}
	store := teststore.New(t)
	env := teststore.NewEnv(t, store)
	env.PutScenario(teststore.LinearScenario(1))

	ctx := context.Background()
	if err := store.Commit(ctx, "import refund v1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// A second commit with no changes is not an error.
	if err := store.Commit(ctx, "noop"); err != nil {
		t.Fatalf("empty Commit: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded dolt tests in short mode")
	}
	store := teststore.New(t)
	env := teststore.NewEnv(t, store)
	env.PutScenario(teststore.LinearScenario(1))
	path := store.Path()
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	reopened := teststore.Open(t, path)
	versions, err := reopened.ListVersions(context.Background(), "acme", "refund")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 1 || versions[0] != 1 {
		t.Fatalf("versions after reopen = %v, want [1]", versions)
	}
}
