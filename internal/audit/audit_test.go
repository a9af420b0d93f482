package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestAppend_CreatesFileAndWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".flowshift", FileName)
	log := New(path)

	id1, err := log.Append(&Entry{Kind: KindLLMCall, Model: "test-model", Prompt: "p", Response: "r"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id1 == "" {
		t.Fatalf("expected id")
	}
	if _, err := log.Append(&Entry{Kind: KindLabel, ParentID: id1, Label: "good", Reason: "ok"}); err != nil {
		t.Fatalf("append label: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(entries))
	}
	if entries[1].ParentID != id1 || entries[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestAppend_RequiresKind(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), FileName))
	if _, err := log.Append(&Entry{}); err == nil {
		t.Fatal("expected error for entry without kind")
	}
}

func TestAppendMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log := New(path)
	rec := &types.MigrationAuditRecord{SessionID: "s1", PlanID: "p1", Action: types.ActionTeleport, ToVersion: 2}
	if err := log.AppendMigration(context.Background(), rec); err != nil {
		t.Fatalf("AppendMigration: %v", err)
	}
	entries := readEntries(t, path)
	if len(entries) != 1 || entries[0].Kind != KindMigration || entries[0].Migration == nil {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].Migration.Action != types.ActionTeleport || entries[0].SessionID != "s1" {
		t.Fatalf("migration record not preserved: %+v", entries[0].Migration)
	}
}

type failingLog struct{ calls int }

func (f *failingLog) AppendMigration(context.Context, *types.MigrationAuditRecord) error {
	f.calls++
	return errors.New("disk full")
}

func TestTeeAttemptsEveryLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	bad := &failingLog{}
	var logs []storage.AuditLog
	logs = append(logs, bad, New(path), nil)

	err := Tee(logs...).AppendMigration(context.Background(), &types.MigrationAuditRecord{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected the failing log's error")
	}
	if bad.calls != 1 {
		t.Fatalf("failing log called %d times", bad.calls)
	}
	if got := readEntries(t, path); len(got) != 1 {
		t.Fatalf("second log should still be written, got %d entries", len(got))
	}
}

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	got, err := Read(path, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("Read(missing) = %v, %v; want empty", got, err)
	}

	log := New(path)
	for _, sid := range []string{"s1", "s2", "s1"} {
		if err := log.AppendMigration(context.Background(), &types.MigrationAuditRecord{SessionID: sid}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := log.Append(&Entry{Kind: KindPlan, PlanID: "p1", Status: "approved"}); err != nil {
		t.Fatal(err)
	}

	all, err := Read(path, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Read returned %d entries, want 4", len(all))
	}
	s1, err := Read(path, func(e *Entry) bool { return e.SessionID == "s1" })
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != 2 {
		t.Fatalf("filtered Read returned %d entries, want 2", len(s1))
	}

	if err := os.WriteFile(path, []byte("{not json}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path, nil); err == nil {
		t.Fatal("Read of a corrupt line succeeded")
	}
}
