// Package orchestrator wires every component into one runnable engine:
// constructs in dependency order, restores persisted state at startup,
// and flushes it on stop.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noesis-systems/cogloop/internal/bias"
	"github.com/noesis-systems/cogloop/internal/budget"
	"github.com/noesis-systems/cogloop/internal/buffer"
	"github.com/noesis-systems/cogloop/internal/classifier"
	"github.com/noesis-systems/cogloop/internal/config"
	"github.com/noesis-systems/cogloop/internal/consolidation"
	"github.com/noesis-systems/cogloop/internal/cycle"
	"github.com/noesis-systems/cogloop/internal/dream"
	"github.com/noesis-systems/cogloop/internal/eventbus"
	"github.com/noesis-systems/cogloop/internal/inference"
	"github.com/noesis-systems/cogloop/internal/llm"
	"github.com/noesis-systems/cogloop/internal/memory"
	"github.com/noesis-systems/cogloop/internal/thought"
)

// Components exposes references to the wired subsystems for external
// surfaces (CLI status commands, tests).
type Components struct {
	Bus        *eventbus.Bus
	Budget     *budget.Manager
	Classifier *classifier.Classifier
	Buffer     *buffer.Buffer
	Bias       *bias.Detector
	Policy     *consolidation.Policy
	Router     *inference.Router
	Dream      *dream.Engine
	Cycle      *cycle.Engine
}

// Deps are the externally supplied collaborators the orchestrator cannot
// build itself: the thought source, the two inference tiers, and the
// long-term store (which doubles as SavePointer + StateStore).
type Deps struct {
	Source      thought.Source
	DeepProvider llm.Provider
	RoteProvider llm.Provider
	EpisodicStore memory.EpisodicStore
	Values      dream.ValueSource
	Recombiner  llm.Provider
	Tuner       cycle.ParameterTuner
	SavePoint   cycle.SavePointer
	StateStore  cycle.StateStore
}

// ValueAttributor is an optional capability a Deps.Values may also implement:
// given a working-buffer memory, resolve the Value its formation is
// attributed to. The orchestrator only has an opinion about where Values come
// from (the injected ValueSource); it has none about how a specific memory
// traces back to one, so that attribution is left to whatever owns value
// formation. When Values doesn't implement this, the consolidation policy's
// valueAlignment factor falls back to its no-lookup default rather than
// guessing at an attribution.
type ValueAttributor interface {
	ValueFor(m memory.Memory) (bias.Value, bool)
}

// Orchestrator owns the whole wired component tree.
type Orchestrator struct {
	cfg        config.Config
	parts      Components
	stateStore cycle.StateStore
	ctx        context.Context
	cancel     context.CancelFunc
	startedAt  time.Time
}

// New builds every component in dependency order: bus, budget, classifier,
// buffer, bias detector, consolidation policy, router, dream engine, cycle
// engine — then hands back a single handle.
func New(cfg config.Config, deps Deps) *Orchestrator {
	bus := eventbus.New(context.Background())
	budgetMgr := budget.New(cfg.DailyTokenLimit)
	clf := classifier.New(cfg.ClassifierThreshold)
	buf := buffer.New(cfg.BufferSlots, nil)

	var detector *bias.Detector
	if cfg.EnableBiasDetector {
		detector = bias.New()
	}

	var policyOpts []consolidation.Option
	policyOpts = append(policyOpts, consolidation.WithThreshold(cfg.ConsolidationThreshold))
	if detector != nil {
		var lookup consolidation.BiasValueLookup
		if attributor, ok := deps.Values.(ValueAttributor); ok {
			lookup = attributor.ValueFor
		}
		policyOpts = append(policyOpts, consolidation.WithBiasDetector(detector, lookup))
	}
	policy := consolidation.New(policyOpts...)

	deepProvider := deps.DeepProvider
	if deepProvider == nil {
		deepProvider = llm.FallbackProvider{}
	}
	roteProvider := deps.RoteProvider
	if roteProvider == nil {
		roteProvider = llm.FallbackProvider{}
	}

	router := inference.New(clf, budgetMgr, deepProvider, roteProvider, inference.Options{
		MaxRetries: cfg.InferenceMaxRetries,
		Deadline:   cfg.InferenceDeadline,
	})

	var recombiner llm.Provider
	if cfg.EnableRecombination {
		recombiner = deps.Recombiner
	}

	dreamCfg := dream.DefaultConfig()
	dreamCfg.PressureThreshold = cfg.MemoryPressureThreshold
	dreamCfg.Interval = cfg.DreamInterval

	var dreamEngine *dream.Engine
	if cfg.EnableDreaming && deps.EpisodicStore != nil {
		dreamEngine = dream.New(dreamCfg, buf, policy, detector, deps.EpisodicStore, deps.Values, recombiner, bus)
	}

	cycleCfg := cycle.DefaultConfig()
	cycleCfg.Interval = cfg.CycleInterval
	cycleCfg.IntervalMin = cfg.CycleIntervalMin
	cycleCfg.IntervalMax = cfg.CycleIntervalMax
	cycleCfg.AutoCommitInterval = cfg.AutoCommitInterval
	cycleCfg.AutoSaveInterval = cfg.AutoSaveInterval

	var tuner cycle.ParameterTuner
	if cfg.EnableParameterTuner {
		tuner = deps.Tuner
	}

	cycleEngine := cycle.New(cycleCfg, deps.Source, router, buf, dreamEngine, budgetMgr, bus, tuner, deps.SavePoint, deps.StateStore)

	return &Orchestrator{
		cfg:        cfg,
		stateStore: deps.StateStore,
		parts: Components{
			Bus:        bus,
			Budget:     budgetMgr,
			Classifier: clf,
			Buffer:     buf,
			Bias:       detector,
			Policy:     policy,
			Router:     router,
			Dream:      dreamEngine,
			Cycle:      cycleEngine,
		},
	}
}

// Start restores persisted state (if any), starts the event bus, and starts
// the cycle engine.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.startedAt = time.Now()

	if err := o.parts.Bus.Start(); err != nil {
		return fmt.Errorf("orchestrator: event bus: %w", err)
	}

	if o.stateStore != nil && o.parts.Cycle != nil {
		if blob, err := o.stateStore.LoadState(o.ctx); err == nil {
			// A restore failure on a malformed or stale blob is non-fatal:
			// fresh state is always a valid starting point.
			_ = o.parts.Cycle.Restore(blob)
		}
	}

	if o.parts.Cycle != nil {
		if err := o.parts.Cycle.Start(o.ctx); err != nil {
			return fmt.Errorf("orchestrator: cycle engine: %w", err)
		}
	}

	return nil
}

// Stop stops the cycle engine (with its own grace window), then the bus.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.parts.Cycle != nil {
		if err := o.parts.Cycle.Stop(ctx); err != nil {
			return fmt.Errorf("orchestrator: cycle engine stop: %w", err)
		}
		if err := o.parts.Cycle.Flush(ctx); err != nil {
			return fmt.Errorf("orchestrator: flush state: %w", err)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		if o.parts.Bus == nil {
			return nil
		}
		return o.parts.Bus.Stop()
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("orchestrator: shutdown: %w", err)
	}

	if o.cancel != nil {
		o.cancel()
	}
	return nil
}

// State returns the cycle engine's current lifecycle phase.
func (o *Orchestrator) State() cycle.State {
	if o.parts.Cycle == nil {
		return cycle.StateIdle
	}
	return o.parts.Cycle.State()
}

// Context exposes references to every wired component for external surfaces
// (CLI, tests) without exposing the constructor's Deps.
func (o *Orchestrator) Context() Components {
	return o.parts
}

// Uptime reports how long Start has been running for, zero if not started.
func (o *Orchestrator) Uptime() time.Duration {
	if o.startedAt.IsZero() {
		return 0
	}
	return time.Since(o.startedAt)
}
