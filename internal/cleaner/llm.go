package cleaner

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loan-ingest/internal/resilience"
	"github.com/sells-group/loan-ingest/pkg/anthropic"
)

const (
	DefaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 512
)

const systemPrompt = `You clean borrower records exported from microfinance spreadsheets.

You receive one spreadsheet row as JSON ("row": header -> cell value) and the
field mappings in use ("fieldMappings": target field -> candidate headers).

Return ONLY a JSON object with these keys:
  "fullName"    borrower's full name in title case, or "" if absent
  "phone"       mobile number, digits only with country code, or ""
  "email"       a valid lowercase email address, or ""
  "nrc"         national registration card number, digits and letters only, or ""
  "address"     postal or physical address, or ""
  "confidence"  number between 0 and 1: how sure you are the record is correct
  "warnings"    array of short strings describing problems you could not fix
  "fixedFields" array of the keys above whose value you changed from the input

Rules:
- Never invent data that is not present in the row.
- Values may sit under the wrong header (a phone number in the email column,
  a name in the address column); move them to the right field.
- If a field is ambiguous, leave it empty and add a warning.`

// LLMConfig configures an LLMAdapter.
type LLMConfig struct {
	Model     string
	MaxTokens int64
	// Breaker stops calling the service after repeated failures. Nil
	// disables it.
	Breaker *resilience.CircuitBreaker
	// Retry applies to transient API errors. The zero value makes a single
	// attempt.
	Retry resilience.RetryConfig
}

// LLMAdapter is an Adapter backed by the Anthropic messages API.
type LLMAdapter struct {
	client  anthropic.Client
	model   string
	tokens  int64
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig

	mu    sync.Mutex
	usage anthropic.TokenUsage
}

var _ Adapter = (*LLMAdapter)(nil)

// NewLLMAdapter creates an LLMAdapter.
func NewLLMAdapter(client anthropic.Client, cfg LLMConfig) *LLMAdapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("cleaner", "create message")
	}
	return &LLMAdapter{
		client:  client,
		model:   cfg.Model,
		tokens:  cfg.MaxTokens,
		breaker: cfg.Breaker,
		retry:   cfg.Retry,
	}
}

// Clean asks the model to clean one row.
func (a *LLMAdapter) Clean(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "cleaner: marshal request")
	}

	temp := 0.0
	msg := anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.tokens,
		System:      anthropic.CachedSystem(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: string(payload)}},
		Temperature: &temp,
	}

	call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if a.breaker != nil {
			return resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				return a.client.CreateMessage(ctx, msg)
			})
		}
		return a.client.CreateMessage(ctx, msg)
	}
	resp, err := resilience.DoVal(ctx, a.retry, call)
	if err != nil {
		return nil, eris.Wrap(err, "cleaner: create message")
	}

	a.mu.Lock()
	a.usage.Add(resp.Usage)
	a.mu.Unlock()

	return parseResponse(resp.Text())
}

// Usage returns the accumulated token usage of all calls.
func (a *LLMAdapter) Usage() anthropic.TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Model returns the model name used for calls.
func (a *LLMAdapter) Model() string { return a.model }

// wireResponse distinguishes a missing confidence from zero.
type wireResponse struct {
	Response
	Confidence *float64 `json:"confidence"`
}

func parseResponse(text string) (*Response, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("cleaner: empty response")
	}

	var w wireResponse
	if err := json.Unmarshal([]byte(cleaned), &w); err != nil {
		return nil, eris.Wrap(err, "cleaner: parse response")
	}
	if w.Confidence == nil {
		return nil, eris.New("cleaner: response missing confidence")
	}
	if *w.Confidence < 0 || *w.Confidence > 1 {
		return nil, eris.Errorf("cleaner: confidence %v out of range", *w.Confidence)
	}

	out := w.Response
	out.Confidence = *w.Confidence
	return &out, nil
}

// cleanJSON strips markdown code fences and any prose around the outermost
// JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
