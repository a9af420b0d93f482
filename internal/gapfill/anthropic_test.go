package gapfill

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/steveyegge/flowshift/internal/audit"
	"github.com/steveyegge/flowshift/internal/types"
)

func messageResponse(text string) map[string]interface{} {
	return map[string]interface{}{
		"id":    "msg_test123",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-haiku-4-5",
		"content": []map[string]interface{}{
			{"type": "text", "text": text},
		},
		"usage": map[string]interface{}{"input_tokens": 120, "output_tokens": 30},
	}
}

func newTestExtractor(t *testing.T, url string) *AnthropicExtractor {
	t.Helper()
	a, err := NewAnthropicExtractor("test-key", "claude-haiku-4-5", option.WithBaseURL(url), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewAnthropicExtractor() error = %v", err)
	}
	a.initialBackoff = time.Millisecond
	return a
}

func TestNewAnthropicExtractorRequiresKey(t *testing.T) {
	_, err := NewAnthropicExtractor("", "claude-haiku-4-5")
	if !errors.Is(err, ErrAPIKeyRequired) {
		t.Fatalf("expected ErrAPIKeyRequired, got %v", err)
	}
}

func TestAnthropicExtract(t *testing.T) {
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) > 0 && len(body.Messages[0].Content) > 0 {
			prompt = body.Messages[0].Content[0].Text
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse("```json\n{\"found\": true, \"value\": \"jane@example.com\", \"confidence\": 0.93, \"source_quote\": \"jane@example.com\"}\n```"))
	}))
	defer server.Close()

	logPath := filepath.Join(t.TempDir(), audit.FileName)
	a := newTestExtractor(t, server.URL).WithAudit(audit.New(logPath), "test")

	ex, err := a.Extract(context.Background(), ExtractRequest{
		SessionID: "s-1",
		Field:     types.FieldSpec{Name: "email", Type: "email", Hint: "customer contact address"},
		Turns:     testSession().Turns,
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !ex.Found || ex.Value != "jane@example.com" || ex.Confidence != 0.93 {
		t.Fatalf("Extract() = %+v", ex)
	}

	for _, want := range []string{"**Field:** email", "**Type:** email", "customer contact address", "[3] customer: It's  jane@example.com thanks"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("audit log not written: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("audit log empty")
	}
	var e audit.Entry
	if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
		t.Fatalf("bad audit line: %v", err)
	}
	if e.Kind != audit.KindLLMCall || e.SessionID != "s-1" || e.Model != "claude-haiku-4-5" || e.Error != "" {
		t.Errorf("audit entry = %+v", e)
	}
}

func TestAnthropicRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`))
			return
		}
		json.NewEncoder(w).Encode(messageResponse(`{"found": false, "value": "", "confidence": 0, "source_quote": ""}`))
	}))
	defer server.Close()

	ex, err := newTestExtractor(t, server.URL).Extract(context.Background(), ExtractRequest{Field: types.FieldSpec{Name: "phone"}, Turns: testSession().Turns})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if ex.Found {
		t.Errorf("Extract() = %+v, want not found", ex)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestAnthropicDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer server.Close()

	_, err := newTestExtractor(t, server.URL).Extract(context.Background(), ExtractRequest{Field: types.FieldSpec{Name: "phone"}, Turns: testSession().Turns})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1", got)
	}
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    Extraction
		wantErr bool
	}{
		{"plain", `{"found":true,"value":"x","confidence":0.8,"source_quote":"x"}`, Extraction{Found: true, Value: "x", Confidence: 0.8, SourceQuote: "x"}, false},
		{"prose around", "Here you go:\n{\"found\":false}\nDone.", Extraction{}, false},
		{"clamped", `{"found":true,"value":"x","confidence":7}`, Extraction{Found: true, Value: "x", Confidence: 1}, false},
		{"no json", "I could not find it.", Extraction{}, true},
		{"broken json", `{"found": tru}`, Extraction{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExtraction(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseExtraction() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("parseExtraction() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}
