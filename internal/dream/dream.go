// Package dream implements the consolidation/bias-check/recombination
// orchestrator: consolidation → bias check → recombination, recording the
// outcome of each phase as a Phase entry on the Report.
// A concurrent second Run is rejected rather than queued, enforced by a
// mutex-guarded running flag on the Engine.
package dream

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/noesis-systems/cogloop/internal/bias"
	"github.com/noesis-systems/cogloop/internal/buffer"
	"github.com/noesis-systems/cogloop/internal/consolidation"
	"github.com/noesis-systems/cogloop/internal/eventbus"
	"github.com/noesis-systems/cogloop/internal/llm"
	"github.com/noesis-systems/cogloop/internal/memory"
)

// Priority ranks how urgently a trigger wants a dream run.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Trigger is a fired reason to dream, with its priority.
type Trigger struct {
	Reason   string
	Priority Priority
}

// Config tunes trigger thresholds and recombination behavior.
type Config struct {
	PressureThreshold    float64
	Interval             time.Duration
	MinCyclesBeforeFirst int
	HighImportanceMin    float64
	HighImportanceCount  int
	UnchallengedBiasMin  int
}

// DefaultConfig returns sane defaults for standalone use.
func DefaultConfig() Config {
	return Config{
		PressureThreshold:    0.8,
		Interval:             24 * time.Hour,
		MinCyclesBeforeFirst: 5,
		HighImportanceMin:    0.8,
		HighImportanceCount:  2,
		UnchallengedBiasMin:  5,
	}
}

// State is the caller-supplied view of cycle progress ShouldTrigger consults.
type State struct {
	CurrentCycle int
}

// Phase records one step of a Run.
type Phase struct {
	Name string
	OK   bool
	Detail string
}

// Report is the outcome of one Run.
type Report struct {
	ID                string
	TriggeredBy       string
	StartedAt         time.Time
	EndedAt           time.Time
	Phases            []Phase
	MemoriesPromoted  int
	MemoriesDiscarded int
	BiasesChallenged  int
	InsightsGenerated int
	OK                bool
	Error             string
}

// ValueSource supplies the bias.Values currently tracked, for the bias-check
// phase. Kept as a narrow injected collaborator rather than a direct
// dependency on whatever owns value formation.
type ValueSource interface {
	Values(ctx context.Context) []bias.Value
}

// Engine coordinates one consolidation/bias/recombination run at a time.
type Engine struct {
	cfg        Config
	buf        *buffer.Buffer
	policy     *consolidation.Policy
	detector   *bias.Detector
	store      memory.EpisodicStore
	values     ValueSource
	recombiner llm.Provider
	bus        *eventbus.Bus
	now        func() time.Time

	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	runCount int
}

// New creates an Engine. recombiner may be nil (phase 3 is then skipped).
func New(cfg Config, buf *buffer.Buffer, policy *consolidation.Policy, detector *bias.Detector, store memory.EpisodicStore, values ValueSource, recombiner llm.Provider, bus *eventbus.Bus) *Engine {
	return &Engine{
		cfg:        cfg,
		buf:        buf,
		policy:     policy,
		detector:   detector,
		store:      store,
		values:     values,
		recombiner: recombiner,
		bus:        bus,
		now:        time.Now,
	}
}

// ShouldTrigger evaluates the four automatic triggers (memory pressure, high
// importance, bias accumulation, time-based); a manual run calls Run
// directly. Returns the highest-priority fired trigger, or ok=false if none
// fired.
func (e *Engine) ShouldTrigger(state State) (Trigger, bool) {
	e.mu.Lock()
	lastRun := e.lastRun
	runCount := e.runCount
	e.mu.Unlock()

	var fired []Trigger

	if e.buf.Pressure() >= e.cfg.PressureThreshold {
		fired = append(fired, Trigger{Reason: "memory pressure", Priority: PriorityHigh})
	}

	highImportance := 0
	for _, m := range e.buf.List() {
		if m.Importance > e.cfg.HighImportanceMin {
			highImportance++
		}
	}
	if highImportance >= e.cfg.HighImportanceCount {
		fired = append(fired, Trigger{Reason: "high importance", Priority: PriorityHigh})
	}

	if e.detector != nil && e.detector.UnchallengedCount() >= e.cfg.UnchallengedBiasMin {
		fired = append(fired, Trigger{Reason: "bias accumulation", Priority: PriorityHigh})
	}

	timeDue := false
	if runCount == 0 {
		timeDue = state.CurrentCycle >= e.cfg.MinCyclesBeforeFirst
	} else {
		timeDue = e.now().Sub(lastRun) >= e.cfg.Interval
	}
	if timeDue {
		fired = append(fired, Trigger{Reason: "time-based", Priority: PriorityMedium})
	}

	if len(fired) == 0 {
		return Trigger{}, false
	}

	best := fired[0]
	for _, t := range fired[1:] {
		if rank(t.Priority) > rank(best.Priority) {
			best = t
		}
	}
	return best, true
}

func rank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Run executes a consolidation/bias/recombination pass for reason. A second
// concurrent Run call is rejected rather than queued — the spec requires a
// dream run to be "invoked concurrently only once at a time". The running
// flag, not a shared future, is what decides this: the caller that finds the
// Engine free always gets its own genuine Report back, and only a caller that
// finds it already busy gets the rejected stub.
func (e *Engine) Run(ctx context.Context, reason string) (Report, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		rejected := Report{
			TriggeredBy: reason,
			StartedAt:   e.now(),
			EndedAt:     e.now(),
			OK:          false,
			Error:       "rejected: a dream run was already in progress",
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.TopicDreamError, map[string]any{"reason": rejected.Error})
		}
		return rejected, nil
	}
	e.running = true
	e.mu.Unlock()

	report := e.run(ctx, reason)

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	return report, nil
}

func (e *Engine) run(ctx context.Context, reason string) Report {
	start := e.now()
	report := Report{
		ID:          "dream-" + strconv.FormatInt(start.UnixNano(), 36),
		TriggeredBy: reason,
		StartedAt:   start,
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicDreamStart, map[string]any{"id": report.ID, "reason": reason})
	}

	e.consolidationPhase(ctx, &report)
	e.biasPhase(ctx, &report)
	e.recombinationPhase(ctx, &report)

	report.EndedAt = e.now()
	report.OK = true

	e.mu.Lock()
	e.lastRun = report.EndedAt
	e.runCount++
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicDreamComplete, map[string]any{
			"id":       report.ID,
			"promoted": report.MemoriesPromoted,
			"discarded": report.MemoriesDiscarded,
		})
	}

	return report
}

func (e *Engine) consolidationPhase(ctx context.Context, report *Report) {
	memories := e.buf.List()
	recent, _ := e.store.Recent(ctx, 20)
	evalCtx := consolidation.EvaluationContext{Recent: append(append([]memory.Memory(nil), memories...), recent...)}

	promoted, discarded := 0, 0
	for _, m := range memories {
		eval := e.policy.Evaluate(ctx, m, evalCtx)
		if eval.ShouldPromote {
			m.Tier = memory.TierConsolidated
			storeEval := &memory.Evaluation{PromotionScore: eval.PromotionScore, Reason: eval.Reason}
			if err := e.store.Append(ctx, m, storeEval); err != nil {
				// Log and continue; never abort the phase over one memory.
				log.Printf("dream: promote %s: %v", m.ID, err)
				continue
			}
			e.buf.Remove(m.ID)
			promoted++
			if e.bus != nil {
				e.bus.Publish(eventbus.TopicMemoryPromoted, map[string]any{"id": m.ID, "score": eval.PromotionScore})
			}
		} else {
			e.buf.Remove(m.ID)
			discarded++
		}
	}

	report.MemoriesPromoted = promoted
	report.MemoriesDiscarded = discarded
	report.Phases = append(report.Phases, Phase{
		Name: "consolidation",
		OK:   true,
		Detail: fmt.Sprintf("promoted=%d discarded=%d", promoted, discarded),
	})
}

func (e *Engine) biasPhase(ctx context.Context, report *Report) {
	if e.detector == nil || e.values == nil {
		report.Phases = append(report.Phases, Phase{Name: "bias-check", OK: true, Detail: "no detector configured"})
		return
	}

	challenged := 0
	for _, v := range e.values.Values(ctx) {
		finding := e.detector.Inspect(v)
		if finding.BiasDetected {
			e.detector.Challenge(v.ID)
			challenged++
			if e.bus != nil {
				e.bus.Publish(eventbus.TopicBiasDetected, map[string]any{
					"valueId": v.ID, "kind": string(finding.BiasKind), "confidence": finding.Confidence,
				})
				e.bus.Publish(eventbus.TopicValueChallenged, map[string]any{"valueId": v.ID})
			}
		}
	}

	report.BiasesChallenged = challenged
	report.Phases = append(report.Phases, Phase{
		Name: "bias-check",
		OK:   true,
		Detail: fmt.Sprintf("challenged=%d", challenged),
	})
}

const minRecombinationSources = 2

func (e *Engine) recombinationPhase(ctx context.Context, report *Report) {
	if e.recombiner == nil {
		report.Phases = append(report.Phases, Phase{Name: "recombination", OK: true, Detail: "no provider configured"})
		return
	}

	recent, err := e.store.Recent(ctx, 10)
	if err != nil || len(recent) < minRecombinationSources {
		report.Phases = append(report.Phases, Phase{Name: "recombination", OK: true, Detail: "insufficient memories"})
		return
	}

	var b strings.Builder
	b.WriteString("Given these recent experiences, offer 1-3 short insights, one per numbered line:\n")
	for i, m := range recent {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Summary)
	}

	resp, genErr := e.recombiner.Generate(ctx, b.String(), llm.GenerateOptions{MaxTokens: 200})
	if genErr != nil {
		report.Phases = append(report.Phases, Phase{Name: "recombination", OK: false, Detail: genErr.Error()})
		return
	}

	insights := parseNumberedInsights(resp.Text)
	report.InsightsGenerated = len(insights)
	report.Phases = append(report.Phases, Phase{
		Name: "recombination",
		OK:   true,
		Detail: fmt.Sprintf("insights=%d", len(insights)),
	})
}

const maxInsights = 3

// parseNumberedInsights extracts numbered/bulleted lines ("1. ...", "2) ...",
// "- ...", "* ...") at least 10 chars long, discarding shorter noise, capped
// at maxInsights short insights per run.
func parseNumberedInsights(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if len(out) >= maxInsights {
			break
		}
		line = strings.TrimSpace(line)
		trimmed := stripNumberPrefix(line)
		if trimmed == line {
			// No number or bullet prefix: not an insight line.
			continue
		}
		if len(trimmed) >= 10 {
			out = append(out, trimmed)
		}
	}
	return out
}

func stripNumberPrefix(line string) string {
	if rest := strings.TrimPrefix(line, "- "); rest != line {
		return strings.TrimSpace(rest)
	}
	if rest := strings.TrimPrefix(line, "* "); rest != line {
		return strings.TrimSpace(rest)
	}

	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) {
		return line
	}
	rest := line[i:]
	rest = strings.TrimLeft(rest, ".) ")
	return strings.TrimSpace(rest)
}
