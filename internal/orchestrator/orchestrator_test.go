package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesis-systems/cogloop/internal/bias"
	"github.com/noesis-systems/cogloop/internal/config"
	"github.com/noesis-systems/cogloop/internal/cycle"
	"github.com/noesis-systems/cogloop/internal/llm"
	"github.com/noesis-systems/cogloop/internal/memory"
	"github.com/noesis-systems/cogloop/internal/store"
	"github.com/noesis-systems/cogloop/internal/thought"
)

type fixedSource struct{}

func (fixedSource) Next(ctx context.Context, state any) (thought.Thought, error) {
	return thought.New("a routine status check", thought.KindReflection, thought.PriorityLow, "test"), nil
}

type noValues struct{}

func (noValues) Values(ctx context.Context) []bias.Value { return nil }

func openMemStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.CycleInterval = time.Hour
	s := openMemStore(t)

	return New(cfg, Deps{
		Source:        fixedSource{},
		DeepProvider:  llm.FallbackProvider{},
		RoteProvider:  llm.FallbackProvider{},
		EpisodicStore: s,
		Values:        noValues{},
		SavePoint:     s,
		StateStore:    s,
	})
}

func TestNewWiresAllComponents(t *testing.T) {
	o := newTestOrchestrator(t)
	parts := o.Context()

	assert.NotNil(t, parts.Bus)
	assert.NotNil(t, parts.Budget)
	assert.NotNil(t, parts.Classifier)
	assert.NotNil(t, parts.Buffer)
	assert.NotNil(t, parts.Bias)
	assert.NotNil(t, parts.Policy)
	assert.NotNil(t, parts.Router)
	assert.NotNil(t, parts.Dream)
	assert.NotNil(t, parts.Cycle)
}

func TestStartRunsAtLeastOneCycle(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return o.Context().Buffer.Size() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestStopFlushesState(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return o.Context().Buffer.Size() > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, o.Stop(context.Background()))
	assert.Equal(t, cycle.StateStopped, o.State())

	blob, err := o.stateStore.LoadState(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, blob)
}

func TestDreamDisabledWithoutEpisodicStore(t *testing.T) {
	cfg := config.Default()
	o := New(cfg, Deps{
		Source:       fixedSource{},
		DeepProvider: llm.FallbackProvider{},
		RoteProvider: llm.FallbackProvider{},
	})
	assert.Nil(t, o.Context().Dream)
}

func TestDreamDisabledByConfig(t *testing.T) {
	cfg := config.Default()
	cfg.EnableDreaming = false
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	o := New(cfg, Deps{
		Source:        fixedSource{},
		DeepProvider:  llm.FallbackProvider{},
		RoteProvider:  llm.FallbackProvider{},
		EpisodicStore: s,
	})
	assert.Nil(t, o.Context().Dream)
}

var _ memory.EpisodicStore = (*store.Store)(nil)
