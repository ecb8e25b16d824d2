package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesis-systems/cogloop/internal/memory"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := memory.Memory{
		ID:         "mem-1",
		Summary:    "summary",
		Content:    "content about a lock-free queue",
		Kind:       memory.KindInsight,
		Importance: 0.8,
		CreatedAt:  time.Now(),
		Tier:       memory.TierConsolidated,
	}
	require.NoError(t, s.Append(ctx, m, &memory.Evaluation{PromotionScore: 0.7, Reason: "driven by importance"}))

	got, ok, err := s.Get(ctx, "mem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.Summary, got.Summary)
	assert.Equal(t, m.Kind, got.Kind)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c"} {
		m := memory.Memory{ID: id, Summary: id, Content: id, Kind: memory.KindObservation, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.Append(ctx, m, nil))
	}

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)
}

func TestSearchSimilarMatchesContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, memory.Memory{ID: "x", Summary: "s", Content: "lock-free queue design", Kind: memory.KindInsight, CreatedAt: time.Now()}, nil))
	require.NoError(t, s.Append(ctx, memory.Memory{ID: "y", Summary: "s", Content: "unrelated topic", Kind: memory.KindInsight, CreatedAt: time.Now()}, nil))

	results, err := s.SearchSimilar(ctx, "lock-free", memory.SearchOptions{K: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", results[0].Memory.ID)
}

func TestStatsCountsByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, memory.Memory{ID: "a", Kind: memory.KindInsight, CreatedAt: time.Now()}, nil))
	require.NoError(t, s.Append(ctx, memory.Memory{ID: "b", Kind: memory.KindInsight, CreatedAt: time.Now()}, nil))
	require.NoError(t, s.Append(ctx, memory.Memory{ID: "c", Kind: memory.KindError, CreatedAt: time.Now()}, nil))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalMemories)
	assert.Equal(t, 2, stats.ByKind[memory.KindInsight])
	assert.Equal(t, 1, stats.ByKind[memory.KindError])
}

func TestSaveAndLoadState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blob, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.SaveState(ctx, []byte(`{"cycle_no":3}`)))
	blob, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"cycle_no":3}`, string(blob))
}

func TestSavePoint(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Save(context.Background(), 5))
	assert.NoError(t, s.Save(context.Background(), 5)) // idempotent re-save
}
