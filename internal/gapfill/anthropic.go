package gapfill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/flowshift/internal/audit"
	"github.com/steveyegge/flowshift/internal/telemetry"
)

const (
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxTokens      = 512
)

// ErrAPIKeyRequired is returned when no Anthropic API key is configured.
// Callers treat it as "run without extraction".
var ErrAPIKeyRequired = errors.New("API key required")

// AnthropicExtractor implements Extractor with a single Messages call per field.
type AnthropicExtractor struct {
	client         anthropic.Client
	model          anthropic.Model
	tmpl           *template.Template
	maxRetries     uint64
	initialBackoff time.Duration
	audit          *audit.Log
	actor          string
}

// NewAnthropicExtractor creates an extractor. opts are passed to the SDK client.
func NewAnthropicExtractor(apiKey, model string, opts ...option.RequestOption) (*AnthropicExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or ai.api-key", ErrAPIKeyRequired)
	}
	tmpl, err := template.New("extract").Parse(extractPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extraction template: %w", err)
	}

	aiMetricsOnce.Do(initAIMetrics)

	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicExtractor{
		client:         anthropic.NewClient(clientOpts...),
		model:          anthropic.Model(model),
		tmpl:           tmpl,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// WithAudit records every call (prompt, response, error) in log as an llm_call entry.
func (a *AnthropicExtractor) WithAudit(log *audit.Log, actor string) *AnthropicExtractor {
	a.audit = log
	a.actor = actor
	return a
}

// Extract asks the model for one field.
func (a *AnthropicExtractor) Extract(ctx context.Context, req ExtractRequest) (*Extraction, error) {
	prompt, err := a.renderPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}

	resp, callErr := a.callWithRetry(ctx, prompt)
	if a.audit != nil {
		e := &audit.Entry{
			Kind:      audit.KindLLMCall,
			Actor:     a.actor,
			SessionID: req.SessionID,
			Model:     string(a.model),
			Prompt:    prompt,
			Response:  resp,
		}
		if callErr != nil {
			e.Error = callErr.Error()
		}
		_, _ = a.audit.Append(e) // Best effort: audit logging must never fail extraction
	}
	if callErr != nil {
		return nil, callErr
	}
	return parseExtraction(resp)
}

// aiMetrics holds lazily-initialized OTel instruments for Anthropic API calls.
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/steveyegge/flowshift/ai")
	aiMetrics.inputTokens, _ = m.Int64Counter("flowshift.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("flowshift.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("flowshift.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (a *AnthropicExtractor) callWithRetry(ctx context.Context, prompt string) (string, error) {
	tracer := telemetry.Tracer("github.com/steveyegge/flowshift/ai")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	modelAttr := attribute.String("flowshift.ai.model", string(a.model))
	span.SetAttributes(modelAttr, attribute.String("flowshift.ai.operation", "gapfill"))

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.initialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, a.maxRetries), ctx)

	attempts := 0
	var text string
	err := backoff.Retry(func() error {
		attempts++
		t0 := time.Now()
		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil || !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		ms := float64(time.Since(t0).Milliseconds())
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
		}
		span.SetAttributes(
			attribute.Int64("flowshift.ai.input_tokens", message.Usage.InputTokens),
			attribute.Int64("flowshift.ai.output_tokens", message.Usage.OutputTokens),
		)
		if len(message.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("unexpected response format: no content blocks"))
		}
		content := message.Content[0]
		if content.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type))
		}
		text = content.Text
		return nil
	}, policy)
	span.SetAttributes(attribute.Int("flowshift.ai.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("anthropic extraction failed after %d attempt(s): %w", attempts, err)
	}
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}

// parseExtraction reads the JSON object out of a model response, tolerating
// code fences and surrounding prose.
func parseExtraction(text string) (*Extraction, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in extraction response")
	}
	var ex Extraction
	if err := json.Unmarshal([]byte(text[start:end+1]), &ex); err != nil {
		return nil, fmt.Errorf("invalid extraction response: %w", err)
	}
	ex.Confidence = clamp(ex.Confidence)
	return &ex, nil
}

type promptData struct {
	Field    string
	Type     string
	Hint     string
	Turns    []promptTurn
	Optional bool
}

type promptTurn struct {
	Number int
	Role   string
	Text   string
}

func (a *AnthropicExtractor) renderPrompt(req ExtractRequest) (string, error) {
	data := promptData{
		Field:    req.Field.Name,
		Type:     req.Field.Type,
		Hint:     req.Field.Hint,
		Optional: req.Field.Optional,
	}
	if data.Type == "" {
		data.Type = "string"
	}
	for _, t := range req.Turns {
		data.Turns = append(data.Turns, promptTurn{Number: t.Number, Role: t.Role, Text: t.Text})
	}
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const extractPromptTemplate = `You are reading a customer support conversation to recover one piece of information the customer has ALREADY given. Do not guess and do not infer values that were never stated.

**Field:** {{.Field}}
**Type:** {{.Type}}
{{if .Hint}}**Hint:** {{.Hint}}
{{end}}
**Conversation (oldest first):**
{{range .Turns}}[{{.Number}}] {{.Role}}: {{.Text}}
{{end}}
Respond with a single JSON object and nothing else:

{"found": true|false, "value": "<the value exactly as stated>", "confidence": <0.0-1.0>, "source_quote": "<the exact words from the conversation that contain the value>"}

If the customer never stated the value, respond with {"found": false, "value": "", "confidence": 0, "source_quote": ""}.`
