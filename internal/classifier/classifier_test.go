package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noesis-systems/cogloop/internal/thought"
)

func TestClassifyEmptyContent(t *testing.T) {
	c := New(defaultThreshold)
	result := c.Classify(thought.New("   ", thought.KindReflection, thought.PriorityLow, "test"), nil)
	assert.Equal(t, thought.TierRote, result.Tier)
	assert.Equal(t, "empty content", result.Reason)
}

func TestClassifyComplexContentSkewsDeep(t *testing.T) {
	c := New(defaultThreshold)
	complex := thought.New(
		"Evaluate the tradeoffs between this distributed consensus architecture, its consistency invariants, and concurrency model, then propose an optimized, recursive synchronization strategy.",
		thought.KindReflection, thought.PriorityHigh, "test",
	)
	result := c.Classify(complex, nil)
	assert.Greater(t, result.DeepScore, 0.5)
}

func TestClassifySimpleContentSkewsRote(t *testing.T) {
	c := New(defaultThreshold)
	simple := thought.New("ok, thanks", thought.KindCommand, thought.PriorityLow, "test")
	result := c.Classify(simple, nil)
	assert.Equal(t, thought.TierRote, result.Tier)
}

func TestNoveltyFullWithEmptyHistory(t *testing.T) {
	score := noveltyScore(thought.New("anything", thought.KindQuestion, thought.PriorityLow, "t"), nil)
	assert.Equal(t, 0.8, score)
}

func TestNoveltyLowForRepeatedContent(t *testing.T) {
	recent := []thought.Thought{
		thought.New("what is the current system load average", thought.KindQuestion, thought.PriorityLow, "t"),
	}
	score := noveltyScore(thought.New("what is the current system load average", thought.KindQuestion, thought.PriorityLow, "t"), recent)
	assert.Less(t, score, 0.3)
}

func TestThresholdClampedOnConstruction(t *testing.T) {
	assert.Equal(t, minThreshold, New(0.1).Threshold())
	assert.Equal(t, maxThreshold, New(0.9).Threshold())
}

func TestAdaptiveThresholdRisesWhenDeepOverpredicted(t *testing.T) {
	c := New(defaultThreshold)
	before := c.Threshold()
	for i := 0; i < minOutcomeWindow; i++ {
		c.RecordOutcome(thought.TierDeep, thought.TierRote)
	}
	assert.Greater(t, c.Threshold(), before)
}

func TestAdaptiveThresholdFallsWhenRoteUnderpredicted(t *testing.T) {
	c := New(defaultThreshold)
	before := c.Threshold()
	for i := 0; i < minOutcomeWindow; i++ {
		c.RecordOutcome(thought.TierRote, thought.TierDeep)
	}
	assert.Less(t, c.Threshold(), before)
}

func TestAdaptiveThresholdNoOpWhenBalanced(t *testing.T) {
	c := New(defaultThreshold)
	before := c.Threshold()
	for i := 0; i < minOutcomeWindow/2; i++ {
		c.RecordOutcome(thought.TierDeep, thought.TierRote)
		c.RecordOutcome(thought.TierRote, thought.TierDeep)
	}
	assert.Equal(t, before, c.Threshold())
}

func TestAdaptiveThresholdIsIdempotentPerWindow(t *testing.T) {
	c := New(defaultThreshold)
	for i := 0; i < minOutcomeWindow; i++ {
		c.RecordOutcome(thought.TierDeep, thought.TierRote)
	}
	afterFirstAdjust := c.Threshold()

	// Fewer than minOutcomeWindow new outcomes: should not adjust again yet.
	c.RecordOutcome(thought.TierDeep, thought.TierRote)
	assert.Equal(t, afterFirstAdjust, c.Threshold())
}

func TestThresholdClampedWithinBounds(t *testing.T) {
	c := New(maxThreshold)
	for round := 0; round < 20; round++ {
		for i := 0; i < minOutcomeWindow; i++ {
			c.RecordOutcome(thought.TierDeep, thought.TierRote)
		}
	}
	assert.LessOrEqual(t, c.Threshold(), maxThreshold)
}
