package gapfill

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/flowshift/internal/storage/memory"
	"github.com/steveyegge/flowshift/internal/types"
)

type fakeExtractor struct {
	results map[string]*Extraction
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (f *fakeExtractor) Extract(ctx context.Context, req ExtractRequest) (*Extraction, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.results[req.Field.Name]; ok {
		return r, nil
	}
	return &Extraction{Found: false}, nil
}

func testSession() *types.Session {
	return &types.Session{
		ID:         "s-1",
		TenantID:   "acme",
		CustomerID: "cust-1",
		Variables:  map[string]string{"order_id": "A-1001"},
		Turns: []types.Turn{
			{Number: 1, Role: "customer", Text: "Hi, I want a refund for order A-1001."},
			{Number: 2, Role: "agent", Text: "Sure, what is your email?"},
			{Number: 3, Role: "customer", Text: "It's  jane@example.com thanks"},
			{Number: 4, Role: "agent", Text: "Thanks. Anything else?"},
		},
	}
}

func TestFillFieldChainOrder(t *testing.T) {
	ctx := context.Background()
	email := types.FieldSpec{Name: "email", Type: "email"}

	tests := []struct {
		name        string
		profile     map[string]string
		extraction  *Extraction
		field       types.FieldSpec
		wantSource  types.GapFillSource
		wantValue   string
		wantConfirm bool
	}{
		{
			name:       "profile wins over everything",
			profile:    map[string]string{"email": "profile@example.com"},
			extraction: &Extraction{Found: true, Value: "jane@example.com", Confidence: 0.99, SourceQuote: "jane@example.com"},
			field:      email,
			wantSource: types.SourceProfile,
			wantValue:  "profile@example.com",
		},
		{
			name:       "session variable before extraction",
			field:      types.FieldSpec{Name: "order_id"},
			extraction: &Extraction{Found: true, Value: "other", Confidence: 0.99},
			wantSource: types.SourceSession,
			wantValue:  "A-1001",
		},
		{
			name:       "extraction auto-accepted",
			field:      email,
			extraction: &Extraction{Found: true, Value: "jane@example.com", Confidence: 0.92, SourceQuote: "It's jane@example.com"},
			wantSource: types.SourceExtraction,
			wantValue:  "jane@example.com",
		},
		{
			name:        "extraction needs confirmation",
			field:       email,
			extraction:  &Extraction{Found: true, Value: "jane@example.com", Confidence: 0.7, SourceQuote: "jane@example.com"},
			wantSource:  types.SourceExtraction,
			wantValue:   "jane@example.com",
			wantConfirm: true,
		},
		{
			name:       "below minimum confidence",
			field:      email,
			extraction: &Extraction{Found: true, Value: "jane@example.com", Confidence: 0.4, SourceQuote: "jane@example.com"},
			wantSource: types.SourceNotFound,
		},
		{
			name:       "malformed email rejected",
			field:      email,
			extraction: &Extraction{Found: true, Value: "not-an-email", Confidence: 0.99, SourceQuote: "jane@example.com"},
			wantSource: types.SourceNotFound,
		},
		{
			name:       "nothing anywhere",
			field:      types.FieldSpec{Name: "phone", Type: "phone"},
			wantSource: types.SourceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			for k, v := range tt.profile {
				if err := store.SetField(ctx, "acme", "cust-1", k, v); err != nil {
					t.Fatal(err)
				}
			}
			ex := &fakeExtractor{results: map[string]*Extraction{}}
			if tt.extraction != nil {
				ex.results[tt.field.Name] = tt.extraction
			}
			svc := New(store, ex, DefaultConfig(), nil)

			got := svc.FillField(ctx, testSession(), tt.field)
			if got.Source != tt.wantSource {
				t.Fatalf("Source = %s, want %s (%+v)", got.Source, tt.wantSource, got)
			}
			if got.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", got.Value, tt.wantValue)
			}
			if got.Filled != (tt.wantSource != types.SourceNotFound) {
				t.Errorf("Filled = %v for source %s", got.Filled, got.Source)
			}
			if got.NeedsConfirmation != tt.wantConfirm {
				t.Errorf("NeedsConfirmation = %v, want %v", got.NeedsConfirmation, tt.wantConfirm)
			}
		})
	}
}

func TestUnverifiedQuoteLandsInConfirmationTier(t *testing.T) {
	ex := &fakeExtractor{results: map[string]*Extraction{
		"email": {Found: true, Value: "jane@example.com", Confidence: 0.9, SourceQuote: "my email is jane@example.com"},
	}}
	svc := New(memory.New(), ex, DefaultConfig(), nil)
	got := svc.FillField(context.Background(), testSession(), types.FieldSpec{Name: "email", Type: "email"})
	if got.Confidence != 0.45 {
		t.Fatalf("Confidence = %v, want 0.45 after halving", got.Confidence)
	}
	if got.Source != types.SourceNotFound {
		t.Fatalf("halved confidence below minimum should fall through, got %+v", got)
	}
}

func TestExtractionPersistsOnlyAutoAccepted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ex := &fakeExtractor{results: map[string]*Extraction{
		"email": {Found: true, Value: "jane@example.com", Confidence: 0.95, SourceQuote: "jane@example.com"},
		"city":  {Found: true, Value: "Lisbon", Confidence: 0.6, SourceQuote: "jane@example.com"},
	}}
	svc := New(store, ex, DefaultConfig(), nil)

	results := svc.Fill(ctx, testSession(), []types.FieldSpec{{Name: "email", Type: "email"}, {Name: "city"}})
	if len(results) != 2 || results[0].FieldName != "email" || results[1].FieldName != "city" {
		t.Fatalf("Fill() results out of order: %+v", results)
	}
	if !results[0].Resolved() {
		t.Errorf("email should be resolved: %+v", results[0])
	}
	if results[1].Resolved() || !results[1].NeedsConfirmation {
		t.Errorf("city should need confirmation: %+v", results[1])
	}

	if v, ok, _ := store.GetField(ctx, "acme", "cust-1", "email"); !ok || v != "jane@example.com" {
		t.Errorf("auto-accepted email not persisted: %q %v", v, ok)
	}
	if _, ok, _ := store.GetField(ctx, "acme", "cust-1", "city"); ok {
		t.Error("confirmation-tier value must not be persisted")
	}
}

func TestExtractionFailuresDegradeToNotFound(t *testing.T) {
	tests := []struct {
		name string
		ex   *fakeExtractor
		cfg  Config
	}{
		{"error", &fakeExtractor{err: errors.New("boom")}, DefaultConfig()},
		{"timeout", &fakeExtractor{delay: time.Second}, Config{FieldTimeout: 10 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(memory.New(), tt.ex, tt.cfg, nil)
			got := svc.FillField(context.Background(), testSession(), types.FieldSpec{Name: "email"})
			if got.Source != types.SourceNotFound || got.Filled {
				t.Fatalf("FillField() = %+v, want NOT_FOUND", got)
			}
		})
	}
}

func TestFillRunsFieldsIndependently(t *testing.T) {
	ex := &fakeExtractor{delay: 50 * time.Millisecond}
	svc := New(nil, ex, Config{FieldTimeout: time.Second}, nil)
	fields := []types.FieldSpec{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}

	start := time.Now()
	results := svc.Fill(context.Background(), testSession(), fields)
	if elapsed := time.Since(start); elapsed > 180*time.Millisecond {
		t.Errorf("Fill() took %v, fields should be extracted concurrently", elapsed)
	}
	if got := ex.calls.Load(); got != 4 {
		t.Errorf("extractor called %d times, want 4", got)
	}
	for _, r := range results {
		if r.Source != types.SourceNotFound {
			t.Errorf("%s: Source = %s, want not_found", r.FieldName, r.Source)
		}
	}
}

func TestNoExtractorOrTurnsSkipsExtraction(t *testing.T) {
	svc := New(nil, nil, DefaultConfig(), nil)
	if got := svc.FillField(context.Background(), testSession(), types.FieldSpec{Name: "email"}); got.Source != types.SourceNotFound {
		t.Fatalf("nil extractor: got %+v", got)
	}

	ex := &fakeExtractor{}
	svc = New(nil, ex, DefaultConfig(), nil)
	s := testSession()
	s.Turns = nil
	svc.FillField(context.Background(), s, types.FieldSpec{Name: "email"})
	if ex.calls.Load() != 0 {
		t.Error("extractor should not be called without conversation turns")
	}
}

func TestValidValue(t *testing.T) {
	tests := []struct {
		typ, value string
		want       bool
	}{
		{"", "anything", true},
		{"", "  ", false},
		{"email", "jane@example.com", true},
		{"email", "Jane <jane@example.com>", false},
		{"number", "120.50", true},
		{"number", "lots", false},
		{"bool", "true", true},
		{"date", "2026-03-01", true},
		{"date", "March 1st", false},
	}
	for _, tt := range tests {
		if got := validValue(types.FieldSpec{Name: "f", Type: tt.typ}, tt.value); got != tt.want {
			t.Errorf("validValue(%s, %q) = %v, want %v", tt.typ, tt.value, got, tt.want)
		}
	}
}
