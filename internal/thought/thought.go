// Package thought defines the unit of self-generated input to the cognitive
// loop and the classification the router derives from it.
package thought

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes a Thought.
type Kind string

const (
	KindCommand    Kind = "command"
	KindQuestion   Kind = "question"
	KindReflection Kind = "reflection"
	KindMeta       Kind = "meta"
	KindError      Kind = "error"
)

// Priority is the thought's self-assessed urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Thought is a single, immutable unit of self-generated input.
type Thought struct {
	ID        string
	Content   string
	Kind      Kind
	Priority  Priority
	Source    string
	CreatedAt time.Time
}

// New builds a Thought with a generated ID and CreatedAt set to now.
func New(content string, kind Kind, priority Priority, source string) Thought {
	return Thought{
		ID:        "tht-" + uuid.New().String(),
		Content:   content,
		Kind:      kind,
		Priority:  priority,
		Source:    source,
		CreatedAt: time.Now(),
	}
}

// FactorScores holds the five weighted dimension scores the classifier
// produces, each clamped to [0,1].
type FactorScores struct {
	Complexity  float64
	Novelty     float64
	Creativity  float64
	Uncertainty float64
	Stakes      float64
}

// Tier selects which inference provider handles a Thought.
type Tier string

const (
	TierDeep Tier = "deep"
	TierRote Tier = "rote"
)

// Classification is the derived, non-persisted tier decision for a Thought.
type Classification struct {
	Tier         Tier
	DeepScore    float64
	Confidence   float64
	FactorScores FactorScores
	Reason       string
}

// Source generates the next Thought for a cycle. Implementations may block;
// callers pass a cycle-scoped context. The state argument is the cycle
// package's CycleState, passed as any because this package doesn't define
// it, avoiding an import cycle with the cycle package that does.
type Source interface {
	Next(ctx context.Context, state any) (Thought, error)
}
