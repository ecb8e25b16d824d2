package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackProviderMatchesPatternKeyword(t *testing.T) {
	p := FallbackProvider{}
	resp, err := p.Generate(context.Background(), "what PATTERN do you see here?", GenerateOptions{})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "recurring pattern")
}

func TestFallbackProviderMatchesQuestionKeyword(t *testing.T) {
	p := FallbackProvider{}
	resp, err := p.Generate(context.Background(), "here's a question for you", GenerateOptions{})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "direct question")
}

func TestFallbackProviderDefaultsOnNoMatch(t *testing.T) {
	p := FallbackProvider{}
	resp, err := p.Generate(context.Background(), "nothing special here", GenerateOptions{})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "routine")
}

func TestFallbackProviderRespectsCanceledContext(t *testing.T) {
	p := FallbackProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Generate(ctx, "a pattern question", GenerateOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
