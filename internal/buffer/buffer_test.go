package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesis-systems/cogloop/internal/memory"
)

func newMemory(id string, importance float64, createdAt time.Time) memory.Memory {
	return memory.Memory{
		ID:         id,
		Summary:    "summary " + id,
		Content:    "content about " + id,
		Importance: importance,
		CreatedAt:  createdAt,
		Kind:       memory.KindObservation,
	}
}

func TestInsertUnderCapacityNeverEvicts(t *testing.T) {
	var evicted []string
	b := New(3, func(ctx context.Context, m memory.Memory) { evicted = append(evicted, m.ID) })

	b.Insert(context.Background(), newMemory("a", 0.5, time.Now()))
	b.Insert(context.Background(), newMemory("b", 0.5, time.Now()))

	assert.Empty(t, evicted)
	assert.Equal(t, 2, b.Size())
}

func TestInsertAtCapacityEvictsLowestValue(t *testing.T) {
	var evicted []string
	b := New(2, func(ctx context.Context, m memory.Memory) { evicted = append(evicted, m.ID) })

	now := time.Now()
	b.Insert(context.Background(), newMemory("old-unimportant", 0.1, now.Add(-48*time.Hour)))
	b.Insert(context.Background(), newMemory("recent-important", 0.9, now))
	b.Insert(context.Background(), newMemory("new", 0.5, now))

	require.Len(t, evicted, 1)
	assert.Equal(t, "old-unimportant", evicted[0])
	assert.Equal(t, 2, b.Size())
}

func TestEvictionHandlerCalledOutsideLock(t *testing.T) {
	b := New(1, nil)
	b.Insert(context.Background(), newMemory("a", 0.5, time.Now()))

	done := make(chan struct{})
	var b2 *Buffer
	b2 = New(1, func(ctx context.Context, m memory.Memory) {
		// If onEvict were called with the lock held, this would deadlock.
		b2.Size()
		close(done)
	})
	b2.Insert(context.Background(), newMemory("x", 0.1, time.Now()))
	b2.Insert(context.Background(), newMemory("y", 0.9, time.Now()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eviction handler appears to have been called with the lock held")
	}
}

func TestTouchIncrementsAccessCount(t *testing.T) {
	b := New(5, nil)
	b.Insert(context.Background(), newMemory("a", 0.5, time.Now()))
	b.Touch("a")
	b.Touch("a")

	list := b.List()
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].AccessCount)
}

func TestQueryRanksByRelevance(t *testing.T) {
	b := New(5, nil)
	exact := newMemory("exact", 0.5, time.Now())
	exact.Content = "database migration rollback plan"
	b.Insert(context.Background(), exact)

	unrelated := newMemory("unrelated", 0.5, time.Now())
	unrelated.Content = "weather forecast for the weekend"
	b.Insert(context.Background(), unrelated)

	results := b.Query("database migration rollback", 2)
	require.NotEmpty(t, results)
	assert.Equal(t, "exact", results[0].Memory.ID)
}

func TestQueryLimitsToK(t *testing.T) {
	b := New(5, nil)
	for i := 0; i < 5; i++ {
		b.Insert(context.Background(), newMemory(string(rune('a'+i)), 0.5, time.Now()))
	}
	results := b.Query("anything", 2)
	assert.Len(t, results, 2)
}

func TestRemoveAndClear(t *testing.T) {
	b := New(5, nil)
	b.Insert(context.Background(), newMemory("a", 0.5, time.Now()))
	assert.True(t, b.Remove("a"))
	assert.False(t, b.Remove("a"))
	assert.Equal(t, 0, b.Size())

	b.Insert(context.Background(), newMemory("b", 0.5, time.Now()))
	b.Clear()
	assert.Equal(t, 0, b.Size())
}

func TestPressure(t *testing.T) {
	b := New(4, nil)
	b.Insert(context.Background(), newMemory("a", 0.5, time.Now()))
	assert.Equal(t, 0.25, b.Pressure())
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	b := New(3, nil)
	b.Insert(context.Background(), newMemory("a", 0.5, time.Now()))
	b.Insert(context.Background(), newMemory("b", 0.7, time.Now()))

	blob, err := b.Persist()
	require.NoError(t, err)

	restored := New(3, nil)
	require.NoError(t, restored.Restore(blob))
	assert.Equal(t, 2, restored.Size())
}

func TestRestoreTrimsToCapacity(t *testing.T) {
	b := New(5, nil)
	for i := 0; i < 5; i++ {
		b.Insert(context.Background(), newMemory(string(rune('a'+i)), 0.5, time.Now()))
	}
	blob, err := b.Persist()
	require.NoError(t, err)

	restored := New(2, nil)
	require.NoError(t, restored.Restore(blob))
	assert.Equal(t, 2, restored.Size())
}
