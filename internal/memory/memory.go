// Package memory defines the Memory value type and the EpisodicStore
// contract the core consumes but does not implement. A reference
// sqlite-backed implementation lives in package store.
package memory

import (
	"context"
	"time"
)

// Kind tags what kind of experience a Memory records.
type Kind string

const (
	KindThoughtReflection Kind = "thought-reflection"
	KindInsight           Kind = "insight"
	KindError             Kind = "error"
	KindSuccess           Kind = "success"
	KindObservation       Kind = "observation"
)

// Tier is where a Memory currently lives.
type Tier string

const (
	TierWorking      Tier = "working"
	TierConsolidated Tier = "consolidated"
)

// Memory is a single unit of experience. Fields that grow (AccessCount) are
// monotonic; everything else is set once at creation. Promotion copies a
// Memory into an EpisodicStore rather than mutating it in place.
type Memory struct {
	ID                string
	Summary           string
	Content           string
	Kind              Kind
	Importance        float64
	EmotionalSalience float64
	Novelty           *float64
	AccessCount       int
	CreatedAt         time.Time
	Tier              Tier
	ParentCycle       int
}

// AgeHours returns how long ago the memory was created, evaluated against now.
func (m Memory) AgeHours(now time.Time) float64 {
	return now.Sub(m.CreatedAt).Hours()
}

// ScoredMemory pairs a Memory with a similarity score from a search.
type ScoredMemory struct {
	Memory Memory
	Score  float64
}

// SearchOptions narrows an EpisodicStore similarity search.
type SearchOptions struct {
	K           int
	MinScore    float64
	SuccessOnly bool
}

// Stats summarizes an EpisodicStore's contents.
type Stats struct {
	TotalMemories int
	ByKind        map[Kind]int
	OldestAt      time.Time
	NewestAt      time.Time
}

// Evaluation is the minimal shape an EpisodicStore.Append accepts alongside a
// promoted Memory — it mirrors consolidation.Evaluation without importing
// that package, to keep this the leaf of the dependency graph.
type Evaluation struct {
	PromotionScore float64
	Reason         string
}

// EpisodicStore is the long-term memory contract: append-only, with
// best-effort similarity search. The core never implements this directly —
// it is an injected collaborator.
type EpisodicStore interface {
	// Append records a promoted Memory, optionally with the evaluation that
	// justified promotion.
	Append(ctx context.Context, m Memory, eval *Evaluation) error

	// SearchSimilar is best-effort: it may return fewer than opts.K results.
	SearchSimilar(ctx context.Context, query string, opts SearchOptions) ([]ScoredMemory, error)

	// Recent returns up to n memories, most recently appended first.
	Recent(ctx context.Context, n int) ([]Memory, error)

	// Get returns a memory by ID, or (Memory{}, false, nil) if absent.
	Get(ctx context.Context, id string) (Memory, bool, error)

	// Stats summarizes the store's contents.
	Stats(ctx context.Context) (Stats, error)
}
