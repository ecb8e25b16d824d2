// Package llm defines the InferenceProvider contract the router dispatches
// to, and a deterministic reference implementation used as the default
// rote-tier provider in demos and tests.
package llm

import (
	"context"
	"strings"
	"time"
)

// GenerateOptions configures a single Generate call.
type GenerateOptions struct {
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Deadline     time.Time
}

// Response is what a provider returns on success.
type Response struct {
	Text       string
	TokensUsed int
	DurationMs int64
}

// Provider is the injected contract for a single inference tier. Both the
// deep and rote tiers are Providers; the router never cares which concrete
// transport backs either.
type Provider interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (Response, error)
}

// FallbackProvider gives deterministic, pattern-matched responses with no
// network I/O — a stand-in rote tier for tests and the cmd/cogloopd demo,
// without ever touching the network.
type FallbackProvider struct{}

// Generate returns a canned response selected by keyword match in prompt.
func (FallbackProvider) Generate(ctx context.Context, prompt string, _ GenerateOptions) (Response, error) {
	start := time.Now()
	lower := strings.ToLower(prompt)

	var text string
	switch {
	case strings.Contains(lower, "pattern"):
		text = "A recurring pattern suggests a stable, well-understood situation."
	case strings.Contains(lower, "wisdom") || strings.Contains(lower, "insight"):
		text = "The available signal supports a confident, low-effort answer."
	case strings.Contains(lower, "question"):
		text = "This looks like a direct question with a known answer."
	default:
		text = "Handled with a routine, low-cost response."
	}

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	return Response{
		Text:       text,
		TokensUsed: 0,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
