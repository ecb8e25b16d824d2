// Package cycle implements the main loop: the state machine that drives
// generateThought → process → updateMemory → maybeDream → tune →
// savePoint → persist, over and over, with self-health auto-stop. The
// bounded cycle-history ring uses
// github.com/emirpasic/gods/v2/queues/linkedlistqueue, a strict
// FIFO-with-trim structure.
package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/noesis-systems/cogloop/internal/budget"
	"github.com/noesis-systems/cogloop/internal/buffer"
	"github.com/noesis-systems/cogloop/internal/dream"
	"github.com/noesis-systems/cogloop/internal/eventbus"
	"github.com/noesis-systems/cogloop/internal/inference"
	"github.com/noesis-systems/cogloop/internal/memory"
	"github.com/noesis-systems/cogloop/internal/thought"
)

// State is the engine's current lifecycle phase.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateDreaming State = "dreaming"
	StateStopped  State = "stopped"
)

const maxHistory = 100

// StepResult records one of the seven per-cycle steps.
type StepResult struct {
	Name   string
	OK     bool
	Detail string
}

// Result is one completed cycle.
type Result struct {
	CycleNo    int
	StartedAt  time.Time
	DurationMs int64
	Steps      []StepResult
	OK         bool
	Error      string
}

// CycleState is what's handed to ThoughtSource.Next and
// ParameterTuner.AdjustCadence: a read-only view of where the loop is.
type CycleState struct {
	CurrentCycle  int
	RecentThoughts []thought.Thought
	LastResult    *Result
}

// ParameterTuner optionally adjusts cycle cadence based on recent history.
type ParameterTuner interface {
	AdjustCadence(ctx context.Context, state CycleState, lastResult Result) (time.Duration, bool)
}

// SavePointer creates a best-effort checkpoint every autoCommitInterval cycles.
type SavePointer interface {
	Save(ctx context.Context, cycleNo int) error
}

// StateStore persists/restores the combined engine state blob.
type StateStore interface {
	SaveState(ctx context.Context, blob []byte) error
	LoadState(ctx context.Context) ([]byte, error)
}

// Config tunes the engine's cadence and bookkeeping intervals.
type Config struct {
	Interval           time.Duration
	IntervalMin        time.Duration
	IntervalMax        time.Duration
	AutoCommitInterval int
	AutoSaveInterval   int
	StopGrace          time.Duration
}

// DefaultConfig returns sane defaults for standalone use.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		IntervalMin:        10 * time.Second,
		IntervalMax:        300 * time.Second,
		AutoCommitInterval: 10,
		AutoSaveInterval:   5,
		StopGrace:          5 * time.Second,
	}
}

// Engine is the central cycle state machine.
type Engine struct {
	mu    sync.Mutex
	ctx   context.Context
	cancel context.CancelFunc
	running bool
	state   State

	cfg Config

	source   thought.Source
	router   *inference.Router
	buf      *buffer.Buffer
	dreamer  *dream.Engine
	budgetMgr *budget.Manager
	bus      *eventbus.Bus
	tuner    ParameterTuner
	savePoint SavePointer
	store    StateStore

	cycleNo int
	history *linkedlistqueue.Queue[Result]
	recentThoughts []thought.Thought
	lastFive       []bool
	dreamCount     int

	wg sync.WaitGroup
}

// New assembles an Engine from its injected collaborators. tuner, savePoint,
// and store may be nil — each corresponding step then becomes a no-op.
func New(cfg Config, source thought.Source, router *inference.Router, buf *buffer.Buffer, dreamer *dream.Engine, budgetMgr *budget.Manager, bus *eventbus.Bus, tuner ParameterTuner, savePoint SavePointer, store StateStore) *Engine {
	return &Engine{
		cfg:       cfg,
		state:     StateIdle,
		source:    source,
		router:    router,
		buf:       buf,
		dreamer:   dreamer,
		budgetMgr: budgetMgr,
		bus:       bus,
		tuner:     tuner,
		savePoint: savePoint,
		store:     store,
		history:   linkedlistqueue.New[Result](),
	}
}

// Start begins the cycle loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("cycle: already running")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.state = StateIdle

	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop requests the loop to halt, giving the in-flight cycle the configured
// grace window before forcing a transition to stopped.
func (e *Engine) Stop(ctx context.Context) error {
	return e.stopWithReason(ctx, "user")
}

func (e *Engine) stopWithReason(ctx context.Context, reason string) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("cycle: not running")
	}
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.StopGrace):
	case <-ctx.Done():
	}

	e.mu.Lock()
	e.running = false
	e.state = StateStopped
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicConsciousnessStopped, map[string]any{"reason": reason})
	}
	return nil
}

// State returns the engine's current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// History returns up to n of the most recent completed cycles, oldest first.
func (e *Engine) History(n int) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.history.Values()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

func (e *Engine) loop() {
	defer e.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
			result := e.runCycle()

			e.mu.Lock()
			e.appendHistory(result)
			stopReason := e.evaluateSelfHealth(result)
			interval := e.cfg.Interval
			e.mu.Unlock()

			if stopReason != "" {
				go e.stopWithReason(context.Background(), stopReason)
				return
			}

			select {
			case <-e.ctx.Done():
				return
			default:
				timer.Reset(interval)
			}
		}
	}
}

func (e *Engine) appendHistory(r Result) {
	e.history.Enqueue(r)
	if e.history.Size() > maxHistory {
		e.history.Dequeue()
	}
	e.lastFive = append(e.lastFive, r.OK)
	if len(e.lastFive) > 5 {
		e.lastFive = e.lastFive[len(e.lastFive)-5:]
	}
}

func (e *Engine) runCycle() Result {
	e.mu.Lock()
	e.cycleNo++
	cycleNo := e.cycleNo
	e.state = StateThinking
	e.mu.Unlock()

	start := time.Now()
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicCycleStart, map[string]any{"cycle": cycleNo})
	}

	result := Result{CycleNo: cycleNo, StartedAt: start}

	t, stepOK := e.stepGenerateThought(cycleNo)
	result.Steps = append(result.Steps, stepOK)
	if !stepOK.OK {
		return e.finish(result, start)
	}

	infResult, stepOK := e.stepProcess(t)
	result.Steps = append(result.Steps, stepOK)

	stepOK = e.stepUpdateMemory(t, infResult, cycleNo)
	result.Steps = append(result.Steps, stepOK)

	stepOK = e.stepMaybeDream(cycleNo)
	result.Steps = append(result.Steps, stepOK)

	stepOK = e.stepTune(cycleNo, result)
	result.Steps = append(result.Steps, stepOK)

	stepOK = e.stepSavePoint(cycleNo)
	result.Steps = append(result.Steps, stepOK)

	stepOK = e.stepPersist(cycleNo)
	result.Steps = append(result.Steps, stepOK)

	return e.finish(result, start)
}

func (e *Engine) finish(result Result, start time.Time) Result {
	result.DurationMs = time.Since(start).Milliseconds()
	result.OK = true
	for _, s := range result.Steps {
		if !s.OK {
			result.OK = false
			result.Error = s.Detail
			break
		}
	}

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicCycleComplete, map[string]any{"cycle": result.CycleNo, "ok": result.OK})
	}
	return result
}

func (e *Engine) stepGenerateThought(cycleNo int) (thought.Thought, StepResult) {
	state := CycleState{CurrentCycle: cycleNo, RecentThoughts: e.recentThoughts}
	var t thought.Thought
	var err error
	if e.source != nil {
		t, err = e.source.Next(e.ctx, state)
	}
	if e.source == nil || err != nil {
		t = thought.New("How am I doing? What should I focus on next?", thought.KindReflection, thought.PriorityLow, "fallback")
		err = nil
	}

	e.recentThoughts = append(e.recentThoughts, t)
	if len(e.recentThoughts) > 20 {
		e.recentThoughts = e.recentThoughts[len(e.recentThoughts)-20:]
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicThoughtGenerated, map[string]any{"id": t.ID, "kind": string(t.Kind)})
	}
	return t, StepResult{Name: "generateThought", OK: true, Detail: t.ID}
}

func (e *Engine) stepProcess(t thought.Thought) (inference.Result, StepResult) {
	res, err := e.router.Route(e.ctx, t, inference.RouteContext{RecentThoughts: e.recentThoughts, CurrentCycle: e.cycleNo})
	if err != nil {
		return inference.Result{}, StepResult{Name: "process", OK: false, Detail: err.Error()}
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicThoughtProcessed, map[string]any{"id": t.ID, "tier": string(res.Tier)})
	}
	return res, StepResult{Name: "process", OK: true, Detail: string(res.Tier)}
}

func (e *Engine) stepUpdateMemory(t thought.Thought, res inference.Result, cycleNo int) StepResult {
	m := memory.Memory{
		ID:          "mem-" + t.ID,
		Summary:     res.Text,
		Content:     t.Content,
		Kind:        memory.KindThoughtReflection,
		Importance:  0.5,
		CreatedAt:   time.Now(),
		Tier:        memory.TierWorking,
		ParentCycle: cycleNo,
	}
	e.buf.Insert(e.ctx, m)
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicMemoryAdded, map[string]any{"id": m.ID})
	}
	return StepResult{Name: "updateMemory", OK: true, Detail: m.ID}
}

func (e *Engine) stepMaybeDream(cycleNo int) StepResult {
	if e.dreamer == nil {
		return StepResult{Name: "maybeDream", OK: true, Detail: "no dream engine configured"}
	}

	trigger, fire := e.dreamer.ShouldTrigger(dream.State{CurrentCycle: cycleNo})
	if !fire {
		return StepResult{Name: "maybeDream", OK: true, Detail: "no trigger"}
	}

	e.mu.Lock()
	e.state = StateDreaming
	e.mu.Unlock()

	report, err := e.dreamer.Run(e.ctx, trigger.Reason)

	e.mu.Lock()
	e.state = StateThinking
	e.dreamCount++
	e.mu.Unlock()

	if err != nil {
		return StepResult{Name: "maybeDream", OK: false, Detail: err.Error()}
	}
	return StepResult{Name: "maybeDream", OK: report.OK, Detail: fmt.Sprintf("reason=%s promoted=%d", trigger.Reason, report.MemoriesPromoted)}
}

func (e *Engine) stepTune(cycleNo int, partial Result) StepResult {
	if e.tuner == nil {
		return StepResult{Name: "tune", OK: true, Detail: "no tuner configured"}
	}
	state := CycleState{CurrentCycle: cycleNo, RecentThoughts: e.recentThoughts}
	newInterval, ok := e.tuner.AdjustCadence(e.ctx, state, partial)
	if !ok {
		return StepResult{Name: "tune", OK: true, Detail: "no adjustment"}
	}

	newInterval = clampDuration(newInterval, e.cfg.IntervalMin, e.cfg.IntervalMax)
	e.mu.Lock()
	e.cfg.Interval = newInterval
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicParameterAdjusted, map[string]any{"interval_ms": newInterval.Milliseconds()})
	}
	return StepResult{Name: "tune", OK: true, Detail: newInterval.String()}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func (e *Engine) stepSavePoint(cycleNo int) StepResult {
	if e.savePoint == nil || e.cfg.AutoCommitInterval <= 0 || cycleNo%e.cfg.AutoCommitInterval != 0 {
		return StepResult{Name: "savePoint", OK: true, Detail: "skipped"}
	}
	if err := e.savePoint.Save(e.ctx, cycleNo); err != nil {
		// Best-effort: a failed checkpoint is non-fatal.
		return StepResult{Name: "savePoint", OK: true, Detail: "save failed: " + err.Error()}
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicSavePointCreated, map[string]any{"cycle": cycleNo})
	}
	return StepResult{Name: "savePoint", OK: true, Detail: "saved"}
}

func (e *Engine) stepPersist(cycleNo int) StepResult {
	if e.store == nil || e.cfg.AutoSaveInterval <= 0 || cycleNo%e.cfg.AutoSaveInterval != 0 {
		return StepResult{Name: "persist", OK: true, Detail: "skipped"}
	}

	blob, err := e.persistBlob()
	if err != nil {
		return StepResult{Name: "persist", OK: true, Detail: "marshal failed: " + err.Error()}
	}
	if err := e.store.SaveState(e.ctx, blob); err != nil {
		return StepResult{Name: "persist", OK: true, Detail: "save failed: " + err.Error()}
	}
	return StepResult{Name: "persist", OK: true, Detail: "persisted"}
}

// Flush writes the current engine state immediately, bypassing the
// autoSaveInterval cadence — used at shutdown so a Stop always leaves a
// fresh checkpoint behind.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	blob, err := e.persistBlob()
	if err != nil {
		return fmt.Errorf("cycle: flush: %w", err)
	}
	return e.store.SaveState(ctx, blob)
}

func (e *Engine) persistBlob() ([]byte, error) {
	budgetBlob, err := e.budgetMgr.Persist()
	if err != nil {
		return nil, err
	}
	bufBlob, err := e.buf.Persist()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(persistedState{
		CycleNo: e.cycleNo,
		Budget:  budgetBlob,
		Buffer:  bufBlob,
	})
	if err != nil {
		return nil, fmt.Errorf("cycle: marshal state: %w", err)
	}
	return data, nil
}

// persistedState is the combined JSON wire shape written to the embedder's
// StateStore at each persist step.
type persistedState struct {
	CycleNo int    `json:"cycle_no"`
	Budget  []byte `json:"budget"`
	Buffer  []byte `json:"buffer"`
}

// Restore loads a blob written by persistBlob (e.g. at orchestrator
// startup) back into the budget manager and working buffer.
func (e *Engine) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("cycle: unmarshal state: %w", err)
	}
	if err := e.budgetMgr.Restore(ps.Budget); err != nil {
		return err
	}
	if err := e.buf.Restore(ps.Buffer); err != nil {
		return err
	}
	e.mu.Lock()
	e.cycleNo = ps.CycleNo
	e.mu.Unlock()
	return nil
}

// evaluateSelfHealth applies the auto-stop rules, returning the reason
// tag for the first critical condition that fires, or "" if the
// engine is healthy. Must be called with e.mu held.
func (e *Engine) evaluateSelfHealth(latest Result) string {
	last10 := e.recentOK(10)
	if len(last10) >= 10 {
		okCount := 0
		for _, ok := range last10 {
			if ok {
				okCount++
			}
		}
		if float64(okCount)/float64(len(last10)) < 0.5 {
			return "health:errors"
		}
	}

	if e.budgetMgr != nil {
		snap := e.budgetMgr.Snapshot()
		if snap.DailyLimit > 0 {
			remaining := float64(snap.DailyLimit-snap.Used) / float64(snap.DailyLimit)
			if remaining < 0.05 {
				return "health:budget"
			}
		}
	}

	if len(e.lastFive) >= 5 {
		failed := 0
		for _, ok := range e.lastFive {
			if !ok {
				failed++
			}
		}
		if failed >= 4 {
			return "health:cascade"
		}
	}

	return ""
}

func (e *Engine) recentOK(n int) []bool {
	all := e.history.Values()
	if n > len(all) {
		n = len(all)
	}
	out := make([]bool, 0, n)
	for _, r := range all[len(all)-n:] {
		out = append(out, r.OK)
	}
	return out
}
