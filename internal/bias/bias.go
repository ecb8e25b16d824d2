// Package bias implements a deterministic bias detector: it flags a Value
// whose repeated application shows a self-reinforcing pattern, without
// ever calling out to an LLM itself. An optional LLM-backed challenger can
// be composed on top, wired through the Challenger interface so this
// package stays I/O-free.
package bias

import (
	"context"
	"sync"
	"time"
)

// Kind names the flavor of bias detected.
type Kind string

const (
	KindDiscriminatory Kind = "discriminatory"
	KindConfirmation   Kind = "confirmation"
	KindAnchoring      Kind = "anchoring"
	KindAvailability   Kind = "availability"
	KindNone           Kind = "none"
)

var sensitiveCategories = map[string]bool{
	"race": true, "gender": true, "religion": true, "nationality": true,
	"age": true, "disability": true, "sexual_orientation": true,
}

// Context is one observed formation/application of a Value.
type Context struct {
	Strength       float64
	OpposingProof  bool
	OutcomeWasPoor bool
	At             time.Time
}

// Value is a single learned disposition the system has formed, tracked
// across repeated applications.
type Value struct {
	ID       string
	Category string
	Contexts []Context
}

// Finding is the result of inspecting a Value.
type Finding struct {
	ValueID       string
	Category      string
	Strength      float64
	Incidents     int
	BiasDetected  bool
	BiasKind      Kind
	Confidence    float64
	Challenged    bool
	DetectedAt    time.Time
}

// defaultPoorOutcomeRatio is the fraction of poor-outcome applications above which
// trigger (c) fires.
const defaultPoorOutcomeRatio = 0.6

// Detector inspects Values for bias patterns and tracks which findings have
// been explicitly challenged by a DreamEngine bias-check phase (an open
// question 1: "challenged" is an explicit write, never inferred).
type Detector struct {
	mu               sync.Mutex
	findings         map[string]*Finding
	poorOutcomeRatio float64
	now              func() time.Time
}

// New creates a Detector with the default poor-outcome ratio (0.6).
func New() *Detector {
	return &Detector{
		findings:         make(map[string]*Finding),
		poorOutcomeRatio: defaultPoorOutcomeRatio,
		now:              time.Now,
	}
}

// Inspect evaluates v for the three bias triggers and records the resulting
// Finding. Deterministic and I/O-free.
func (d *Detector) Inspect(v Value) Finding {
	kind, detected, confidence := classify(v, d.poorOutcomeRatio)

	f := Finding{
		ValueID:      v.ID,
		Category:     v.Category,
		Strength:     latestStrength(v),
		Incidents:    len(v.Contexts),
		BiasDetected: detected,
		BiasKind:     kind,
		Confidence:   confidence,
		DetectedAt:   d.now(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.findings[v.ID]; ok {
		f.Challenged = existing.Challenged
	}
	d.findings[v.ID] = &f
	return f
}

func latestStrength(v Value) float64 {
	if len(v.Contexts) == 0 {
		return 0
	}
	return v.Contexts[len(v.Contexts)-1].Strength
}

func classify(v Value, poorOutcomeRatio float64) (Kind, bool, float64) {
	// (b) category match is checked first: a sensitive category is flagged
	// regardless of the trend in strength.
	if sensitiveCategories[v.Category] {
		return KindDiscriminatory, true, 0.9
	}

	// (a) monotonically increasing strength with no opposing evidence across
	// N>=3 consecutive contexts.
	if monotonicWithoutOpposition(v.Contexts) {
		return KindAnchoring, true, confidenceFromRun(v.Contexts)
	}

	// (c) poor-outcome correlation above the configured ratio.
	if len(v.Contexts) > 0 {
		poor := 0
		for _, c := range v.Contexts {
			if c.OutcomeWasPoor {
				poor++
			}
		}
		ratio := float64(poor) / float64(len(v.Contexts))
		if ratio > poorOutcomeRatio {
			return KindConfirmation, true, ratio
		}
	}

	return KindNone, false, 0
}

const minRunForAnchoring = 3

func monotonicWithoutOpposition(contexts []Context) bool {
	if len(contexts) < minRunForAnchoring {
		return false
	}
	for i := 1; i < len(contexts); i++ {
		if contexts[i].OpposingProof {
			return false
		}
		if contexts[i].Strength <= contexts[i-1].Strength {
			return false
		}
	}
	return true
}

func confidenceFromRun(contexts []Context) float64 {
	c := 0.5 + 0.1*float64(len(contexts)-minRunForAnchoring)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// Challenge marks a previously recorded finding as challenged. Explicit,
// caller-driven — never inferred. A no-op if valueID is unknown.
func (d *Detector) Challenge(valueID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.findings[valueID]; ok {
		f.Challenged = true
	}
}

// UnchallengedCount returns how many recorded findings have BiasDetected but
// not yet been Challenged — what DreamEngine.ShouldTrigger consults for the
// bias-accumulation trigger.
func (d *Detector) UnchallengedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.findings {
		if f.BiasDetected && !f.Challenged {
			n++
		}
	}
	return n
}

// Findings returns a copy of all recorded findings.
func (d *Detector) Findings() []Finding {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Finding, 0, len(d.findings))
	for _, f := range d.findings {
		out = append(out, *f)
	}
	return out
}

// Challenger is an optional LLM-backed composer that emits challenges for
// unchallenged findings. Its failure must never block consolidation — the
// caller (DreamEngine) treats errors as non-fatal.
type Challenger interface {
	DetectBiases(ctx context.Context, findings []Finding) ([]string, error)
}
