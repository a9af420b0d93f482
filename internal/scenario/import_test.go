package scenario

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/flowshift/internal/storage/memory"
)

func TestImport(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	g, err := Parse([]byte(onboardingYAML), FormatYAML)
	if err != nil {
		t.Fatal(err)
	}

	imported, err := Import(ctx, store, g)
	if err != nil || !imported {
		t.Fatalf("first Import = %v, %v; want true, nil", imported, err)
	}

	again, err := Parse([]byte(onboardingTOML), FormatTOML)
	if err != nil {
		t.Fatal(err)
	}
	imported, err = Import(ctx, store, again)
	if err != nil || imported {
		t.Fatalf("identical re-import = %v, %v; want false, nil", imported, err)
	}

	changed, err := Parse([]byte(onboardingJSON), FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	changed.Step("greet").Name = "Welcome"
	_, err = Import(ctx, store, changed)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("changed re-import err = %v, want ErrVersionConflict", err)
	}
}
