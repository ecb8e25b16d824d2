package cycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesis-systems/cogloop/internal/budget"
	"github.com/noesis-systems/cogloop/internal/buffer"
	"github.com/noesis-systems/cogloop/internal/classifier"
	"github.com/noesis-systems/cogloop/internal/eventbus"
	"github.com/noesis-systems/cogloop/internal/inference"
	"github.com/noesis-systems/cogloop/internal/llm"
	"github.com/noesis-systems/cogloop/internal/thought"
)

type fixedSource struct {
	content string
}

func (s fixedSource) Next(ctx context.Context, state any) (thought.Thought, error) {
	return thought.New(s.content, thought.KindReflection, thought.PriorityLow, "test"), nil
}

type erroringSource struct{}

func (erroringSource) Next(ctx context.Context, state any) (thought.Thought, error) {
	return thought.Thought{}, errors.New("source unavailable")
}

func newTestEngine(t *testing.T, source thought.Source, roteErr error) (*Engine, *budget.Manager) {
	t.Helper()
	bm := budget.New(100_000)
	clf := classifier.New(0.6)
	router := inference.New(clf, bm, stubProvider{err: roteErr}, stubProvider{err: roteErr}, inference.Options{MaxRetries: 1})
	buf := buffer.New(5, nil)
	cfg := DefaultConfig()
	cfg.Interval = time.Hour // never auto-reschedule during the test
	e := New(cfg, source, router, buf, nil, bm, nil, nil, nil, nil)
	e.ctx = context.Background()
	return e, bm
}

type stubProvider struct {
	err error
}

func (s stubProvider) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (llm.Response, error) {
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{Text: "ok", TokensUsed: 10}, nil
}

func TestRunCycleStepsInCanonicalOrder(t *testing.T) {
	e, _ := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	result := e.runCycle()

	require.Len(t, result.Steps, 7)
	wantOrder := []string{"generateThought", "process", "updateMemory", "maybeDream", "tune", "savePoint", "persist"}
	for i, name := range wantOrder {
		assert.Equal(t, name, result.Steps[i].Name)
	}
	assert.True(t, result.OK)
}

func TestRunCycleFallsBackToDefaultThoughtOnSourceError(t *testing.T) {
	e, _ := newTestEngine(t, erroringSource{}, nil)
	result := e.runCycle()

	require.NotEmpty(t, result.Steps)
	assert.True(t, result.Steps[0].OK)
	assert.NotEmpty(t, result.Steps[0].Detail)
}

func TestUpdateMemoryInsertsIntoBuffer(t *testing.T) {
	e, _ := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	assert.Equal(t, 0, e.buf.Size())
	e.runCycle()
	assert.Equal(t, 1, e.buf.Size())
}

func TestEvaluateSelfHealthErrorRate(t *testing.T) {
	e, _ := newTestEngine(t, fixedSource{content: "simple ok thanks"}, errors.New("provider down"))
	for i := 0; i < 10; i++ {
		r := e.runCycle()
		e.appendHistory(r)
	}
	reason := e.evaluateSelfHealth(Result{})
	assert.Equal(t, "health:errors", reason)
}

func TestEvaluateSelfHealthCascade(t *testing.T) {
	e, _ := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	// Four of the last five cycles fail, one succeeds: cascade should fire
	// even though the overall 10-cycle success rate is still healthy.
	e.lastFive = []bool{true, false, false, false, false}
	reason := e.evaluateSelfHealth(Result{})
	assert.Equal(t, "health:cascade", reason)
}

func TestEvaluateSelfHealthBudgetExhausted(t *testing.T) {
	e, bm := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	require.NoError(t, bm.Charge(96_000, thought.TierDeep))
	reason := e.evaluateSelfHealth(Result{})
	assert.Equal(t, "health:budget", reason)
}

func TestEvaluateSelfHealthHealthy(t *testing.T) {
	e, _ := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	reason := e.evaluateSelfHealth(Result{})
	assert.Empty(t, reason)
}

func TestStopPreventsFurtherCycleStart(t *testing.T) {
	e, _ := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	bus := eventbus.New(context.Background())
	require.NoError(t, bus.Start())
	defer bus.Stop()
	e.bus = bus

	require.NoError(t, e.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.Stop(context.Background()))

	startsAfterStop := bus.Metrics().ByTopic[eventbus.TopicCycleStart]
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, startsAfterStop, bus.Metrics().ByTopic[eventbus.TopicCycleStart], "no cycle-start should be published after Stop returns")
	assert.Equal(t, StateStopped, e.State())
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	e, bm := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	require.NoError(t, bm.Charge(123, thought.TierDeep))
	e.cycleNo = 7

	blob, err := e.persistBlob()
	require.NoError(t, err)

	restored, _ := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	require.NoError(t, restored.Restore(blob))
	assert.Equal(t, 7, restored.cycleNo)
	assert.Equal(t, 123, restored.budgetMgr.Snapshot().Used)
}

func TestRestoreEmptyBlobIsNoOp(t *testing.T) {
	e, _ := newTestEngine(t, fixedSource{content: "simple ok thanks"}, nil)
	assert.NoError(t, e.Restore(nil))
}
