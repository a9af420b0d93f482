// Package audit writes an append-only JSONL trail of migration decisions and
// language-model calls.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

// FileName is the default audit file name inside the flowshift directory.
const FileName = "audit.jsonl"

// Entry kinds.
const (
	KindLLMCall   = "llm_call"
	KindMigration = "migration"
	KindPlan      = "plan"
	KindLabel     = "label"
)

// Entry is one JSONL line.
type Entry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Actor     string    `json:"actor,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`

	// llm_call
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`

	// label (attached to an earlier entry)
	ParentID string `json:"parent_id,omitempty"`
	Label    string `json:"label,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// plan status changes
	Status string `json:"status,omitempty"`

	Migration *types.MigrationAuditRecord `json:"migration,omitempty"`
}

// Log appends entries to a JSONL file. Safe for concurrent use.
type Log struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

var _ storage.AuditLog = (*Log)(nil)

// New returns a Log writing to path. The parent directory is created on first write.
func New(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// Path returns the file the log writes to.
func (l *Log) Path() string { return l.path }

// Append writes e and returns its ID. Missing ID and timestamp are filled in.
func (l *Log) Append(e *Entry) (string, error) {
	if e == nil {
		return "", errors.New("audit: nil entry")
	}
	if e.Kind == "" {
		return "", errors.New("audit: entry kind is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: encode entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return "", fmt.Errorf("audit: create directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- path comes from config
	if err != nil {
		return "", fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("audit: write: %w", err)
	}
	return e.ID, nil
}

// AppendMigration records an applied migration as a migration entry.
func (l *Log) AppendMigration(_ context.Context, rec *types.MigrationAuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := l.Append(&Entry{
		Kind:      KindMigration,
		SessionID: rec.SessionID,
		PlanID:    rec.PlanID,
		Migration: rec,
	})
	return err
}

// Tee fans AppendMigration out to several logs. The first error wins but every
// log is attempted.
func Tee(logs ...storage.AuditLog) storage.AuditLog {
	return tee(logs)
}

type tee []storage.AuditLog

func (t tee) AppendMigration(ctx context.Context, rec *types.MigrationAuditRecord) error {
	var errs []error
	for _, l := range t {
		if l == nil {
			continue
		}
		if err := l.AppendMigration(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Read returns the entries of the log at path that match keep, in file order.
// A missing file is an empty log. A nil keep returns everything.
func Read(path string, keep func(*Entry) bool) ([]*Entry, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from config
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []*Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("audit: line %d: %w", line, err)
		}
		if keep == nil || keep(&e) {
			out = append(out, &e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	return out, nil
}
