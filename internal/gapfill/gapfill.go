// Package gapfill recovers values that a newly inserted step needs without
// asking the customer again.
//
// Each field walks a fixed chain and stops at the first hit:
//
//	PROFILE    the customer profile store
//	SESSION    variables already collected in this session
//	EXTRACTION a language-model read of recent conversation turns
//	NOT_FOUND  the pipeline has to ask
package gapfill

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
)

// ExtractRequest is one structured-extraction call for a single field.
type ExtractRequest struct {
	SessionID string
	Field     types.FieldSpec
	Turns     []types.Turn
}

// Extraction is what an Extractor returns for one field.
type Extraction struct {
	Found       bool    `json:"found"`
	Value       string  `json:"value"`
	Confidence  float64 `json:"confidence"`
	SourceQuote string  `json:"source_quote"`
}

// Extractor reads a field value out of conversation turns.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*Extraction, error)
}

// Config holds the thresholds of the fallback chain.
type Config struct {
	AutoAcceptConfidence float64       // At or above: filled without confirmation
	MinConfidence        float64       // Below: discarded
	HistoryTurns         int           // Turns handed to the extractor
	FieldTimeout         time.Duration // Per-field extraction budget
	PersistExtracted     bool          // Write auto-accepted extractions to the profile store
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		AutoAcceptConfidence: 0.85,
		MinConfidence:        0.5,
		HistoryTurns:         10,
		FieldTimeout:         10 * time.Second,
		PersistExtracted:     true,
	}
}

// Service runs the fallback chain.
type Service struct {
	profiles  storage.ProfileStore
	extractor Extractor
	cfg       Config
	logger    *slog.Logger
}

// New creates a Service. A nil extractor skips the EXTRACTION step.
func New(profiles storage.ProfileStore, extractor Extractor, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.AutoAcceptConfidence <= 0 {
		cfg.AutoAcceptConfidence = def.AutoAcceptConfidence
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.FieldTimeout <= 0 {
		cfg.FieldTimeout = def.FieldTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{profiles: profiles, extractor: extractor, cfg: cfg, logger: logger}
}

// Fill resolves every field concurrently. Results keep the order of fields.
// Fill never fails: any error along the chain degrades to NOT_FOUND.
func (s *Service) Fill(ctx context.Context, session *types.Session, fields []types.FieldSpec) []types.GapFillResult {
	results := make([]types.GapFillResult, len(fields))
	var g errgroup.Group
	for i, f := range fields {
		g.Go(func() error {
			results[i] = s.FillField(ctx, session, f)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FillField walks the chain for a single field.
func (s *Service) FillField(ctx context.Context, session *types.Session, field types.FieldSpec) types.GapFillResult {
	log := s.logger.With("session", session.ID, "field", field.Name)

	if s.profiles != nil {
		v, ok, err := s.profiles.GetField(ctx, session.TenantID, session.CustomerID, field.Name)
		switch {
		case err != nil:
			log.Warn("profile lookup failed", "error", err)
		case ok && validValue(field, v):
			return types.GapFillResult{FieldName: field.Name, Filled: true, Value: v, Source: types.SourceProfile, Confidence: 1}
		}
	}

	if v, ok := session.Variables[field.Name]; ok && validValue(field, v) {
		return types.GapFillResult{FieldName: field.Name, Filled: true, Value: v, Source: types.SourceSession, Confidence: 1}
	}

	if r, ok := s.extract(ctx, log, session, field); ok {
		return r
	}
	return types.GapFillResult{FieldName: field.Name, Source: types.SourceNotFound}
}

func (s *Service) extract(ctx context.Context, log *slog.Logger, session *types.Session, field types.FieldSpec) (types.GapFillResult, bool) {
	if s.extractor == nil {
		return types.GapFillResult{}, false
	}
	turns := session.RecentTurns(s.cfg.HistoryTurns)
	if len(turns) == 0 {
		return types.GapFillResult{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FieldTimeout)
	defer cancel()

	ex, err := s.extractor.Extract(ctx, ExtractRequest{SessionID: session.ID, Field: field, Turns: turns})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("extraction timed out", "timeout", s.cfg.FieldTimeout)
		} else {
			log.Warn("extraction failed", "error", err)
		}
		return types.GapFillResult{}, false
	}
	if ex == nil || !ex.Found || strings.TrimSpace(ex.Value) == "" {
		log.Debug("extraction found nothing")
		return types.GapFillResult{}, false
	}
	value := strings.TrimSpace(ex.Value)
	if !validValue(field, value) {
		log.Debug("extracted value rejected", "type", field.Type)
		return types.GapFillResult{}, false
	}

	confidence := clamp(ex.Confidence)
	if !quoteInTurns(ex.SourceQuote, turns) {
		confidence /= 2
		log.Debug("source quote not found in conversation, confidence halved", "confidence", confidence)
	}
	if confidence < s.cfg.MinConfidence {
		log.Debug("extraction below minimum confidence", "confidence", confidence)
		return types.GapFillResult{}, false
	}

	r := types.GapFillResult{
		FieldName:   field.Name,
		Filled:      true,
		Value:       value,
		Source:      types.SourceExtraction,
		Confidence:  confidence,
		SourceQuote: ex.SourceQuote,
	}
	if confidence < s.cfg.AutoAcceptConfidence {
		r.NeedsConfirmation = true
		return r, true
	}
	if s.cfg.PersistExtracted && s.profiles != nil {
		if err := s.profiles.SetField(ctx, session.TenantID, session.CustomerID, field.Name, value); err != nil {
			log.Warn("failed to persist extracted value", "error", err)
		}
	}
	return r, true
}

// quoteInTurns reports whether quote occurs in any turn, ignoring case and
// runs of whitespace.
func quoteInTurns(quote string, turns []types.Turn) bool {
	q := normalize(quote)
	if q == "" {
		return false
	}
	for _, t := range turns {
		if strings.Contains(normalize(t.Text), q) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// validValue applies light type checks so a malformed value never counts as filled.
func validValue(field types.FieldSpec, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	switch strings.ToLower(field.Type) {
	case "email":
		addr, err := mail.ParseAddress(v)
		return err == nil && addr.Address == v
	case "number":
		_, err := strconv.ParseFloat(v, 64)
		return err == nil
	case "bool":
		_, err := strconv.ParseBool(v)
		return err == nil
	case "date":
		_, err := time.Parse(time.DateOnly, v)
		return err == nil
	}
	return true
}
