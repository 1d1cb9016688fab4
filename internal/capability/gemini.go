package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dschulmeist/slide2anki/internal/logging"

	"google.golang.org/genai"
)

// GeminiInvoker backs the capability contract with the Google GenAI
// SDK. Every capability maps to one GenerateContent call requesting a
// JSON response; the pipeline never sees provider request shapes.
type GeminiInvoker struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

var _ Invoker = (*GeminiInvoker)(nil)

// GeminiConfig configures the GenAI-backed invoker.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewGeminiInvoker creates the production invoker.
func NewGeminiInvoker(ctx context.Context, cfg GeminiConfig) (*GeminiInvoker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("capability: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("capability: create genai client: %w", err)
	}
	return &GeminiInvoker{client: client, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// Invoke sends one structured request. Attachments become inline image
// parts; a repair Feedback string is appended after the prompt so the
// model sees the validity complaint in context.
func (g *GeminiInvoker) Invoke(ctx context.Context, name string, input Input) (Output, error) {
	timer := logging.StartTimer(logging.CategoryCapability, name)
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := []*genai.Part{genai.NewPartFromText(input.Prompt)}
	for _, att := range input.Attachments {
		if att.Label != "" {
			parts = append(parts, genai.NewPartFromText(fmt.Sprintf("\n--- %s ---\n", att.Label)))
		}
		parts = append(parts, genai.NewPartFromBytes(att.Data, att.MIMEType))
	}
	if input.Feedback != "" {
		parts = append(parts, genai.NewPartFromText(
			"\nYour previous output was rejected: "+input.Feedback+"\nProduce a corrected response."))
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Output{}, classify(name, err)
	}

	text := resp.Text()
	if text == "" {
		return Output{}, &Error{Capability: name, Err: fmt.Errorf("empty response")}
	}
	logging.Capability("%s returned %d bytes", name, len(text))
	return Output{JSON: []byte(text), Text: text}, nil
}

// classify maps provider failures onto the retry taxonomy. Rate limits
// and upstream hiccups are transient; everything else is terminal for
// the attempt.
func classify(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(fmt.Errorf("%s timed out: %w", name, err))
	}
	msg := err.Error()
	for _, marker := range []string{"429", "rate limit", "RESOURCE_EXHAUSTED", "503", "500", "connection reset", "UNAVAILABLE"} {
		if strings.Contains(msg, marker) {
			return Transient(fmt.Errorf("%s: %w", name, err))
		}
	}
	return &Error{Capability: name, Err: err}
}
