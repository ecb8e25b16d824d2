// Package buffer implements the fixed-slot working memory (STM): an
// ordered buffer that evicts by a recency/access/importance score and
// hands the victim off for promotion rather than knowing about
// long-term storage itself.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noesis-systems/cogloop/internal/memory"
)

const defaultCapacity = 5

// EvictionHandler receives a memory evicted to make room for a new one. This
// is the promotion hand-off: the buffer doesn't know what happens to the
// memory next.
type EvictionHandler func(ctx context.Context, evicted memory.Memory)

// Buffer is the fixed-capacity, insertion-ordered working memory.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	slots    []memory.Memory
	onEvict  EvictionHandler
	now      func() time.Time
}

// New creates a Buffer with the given capacity (defaulted to 5 if <= 0) and
// eviction handler (may be nil to silently drop victims).
func New(capacity int, onEvict EvictionHandler) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		slots:    make([]memory.Memory, 0, capacity),
		onEvict:  onEvict,
		now:      time.Now,
	}
}

// Insert adds m, evicting the highest-evictScore slot first if full.
func (b *Buffer) Insert(ctx context.Context, m memory.Memory) {
	b.mu.Lock()
	if len(b.slots) >= b.capacity {
		idx := b.evictionVictim()
		victim := b.slots[idx]
		b.slots = append(b.slots[:idx], b.slots[idx+1:]...)
		b.mu.Unlock()
		if b.onEvict != nil {
			b.onEvict(ctx, victim)
		}
		b.mu.Lock()
	}
	b.slots = append(b.slots, m)
	b.mu.Unlock()
}

// evictionVictim returns the index of the slot with the highest evictScore,
// ties broken by older CreatedAt. Must be called with b.mu held.
func (b *Buffer) evictionVictim() int {
	now := b.now()
	bestIdx := 0
	bestScore := -1.0
	for i, m := range b.slots {
		score := evictScore(m, now)
		if score > bestScore || (score == bestScore && m.CreatedAt.Before(b.slots[bestIdx].CreatedAt)) {
			bestScore = score
			bestIdx = i
		}
	}
	return bestIdx
}

func evictScore(m memory.Memory, now time.Time) float64 {
	ageDays := m.AgeHours(now) / 24.0
	accessTerm := 1.0 / float64(m.AccessCount+1)
	importanceTerm := 1 - m.Importance
	return 0.4*ageDays + 0.3*accessTerm + 0.3*importanceTerm
}

// Touch increments the access count for id. A no-op if id isn't present.
func (b *Buffer) Touch(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if b.slots[i].ID == id {
			b.slots[i].AccessCount++
			return
		}
	}
}

// QueryResult pairs a Memory with its Query relevance score.
type QueryResult struct {
	Memory memory.Memory
	Score  float64
}

// Query scores every slot against text (Jaccard word overlap, plus a
// recency boost and an importance boost) and returns the top k, touching
// each returned memory.
func (b *Buffer) Query(text string, k int) []QueryResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	queryWords := wordSet(text)

	results := make([]QueryResult, 0, len(b.slots))
	for _, m := range b.slots {
		sim := jaccard(queryWords, wordSet(m.Content+" "+m.Summary))
		recencyBoost := recencyBoost(m, now)
		importanceBoost := m.Importance * 0.2
		results = append(results, QueryResult{Memory: m, Score: sim + recencyBoost + importanceBoost})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k < len(results) {
		results = results[:k]
	}
	for _, r := range results {
		for i := range b.slots {
			if b.slots[i].ID == r.Memory.ID {
				b.slots[i].AccessCount++
				break
			}
		}
	}
	return results
}

func recencyBoost(m memory.Memory, now time.Time) float64 {
	ageHours := m.AgeHours(now)
	remaining := 1 - ageHours/24.0
	if remaining < 0 {
		remaining = 0
	}
	return remaining * 0.1
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// List returns a copy of the current slots, in insertion order.
func (b *Buffer) List() []memory.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]memory.Memory, len(b.slots))
	copy(out, b.slots)
	return out
}

// Remove deletes the memory with the given ID, if present. Used by
// DreamEngine to apply consolidation results without a second Insert pass.
func (b *Buffer) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if b.slots[i].ID == id {
			b.slots = append(b.slots[:i], b.slots[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = b.slots[:0]
}

// Size returns the current slot count.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// Pressure is Size()/capacity.
func (b *Buffer) Pressure() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.slots)) / float64(b.capacity)
}

// persistedState is the JSON wire shape for Persist/Restore.
type persistedState struct {
	Slots []memory.Memory `json:"slots"`
}

// Persist serializes the buffer's slots for the embedder's StateStore.
func (b *Buffer) Persist() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.Marshal(persistedState{Slots: append([]memory.Memory(nil), b.slots...)})
	if err != nil {
		return nil, fmt.Errorf("buffer: marshal state: %w", err)
	}
	return data, nil
}

// Restore loads a blob written by Persist. Nil/empty is a no-op.
func (b *Buffer) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("buffer: unmarshal state: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(ps.Slots) > b.capacity {
		ps.Slots = ps.Slots[len(ps.Slots)-b.capacity:]
	}
	b.slots = ps.Slots
	return nil
}
