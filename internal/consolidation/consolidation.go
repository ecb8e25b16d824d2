// Package consolidation implements a pure per-memory promotion evaluator:
// five weighted factors decide whether a working-buffer memory is worth
// moving into long-term storage. The weighted sum is computed via
// gonum/floats.Dot, the same primitive classifier.Classify uses for
// deepScore.
package consolidation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/noesis-systems/cogloop/internal/bias"
	"github.com/noesis-systems/cogloop/internal/memory"
)

// Weights holds the five consolidation factor weights; normalized to sum 1.
type Weights struct {
	Importance       float64
	EmotionalSalience float64
	Novelty          float64
	AccessFrequency  float64
	ValueAlignment   float64
}

// DefaultWeights sets the relative emphasis across the five factors.
func DefaultWeights() Weights {
	return Weights{
		Importance:        0.30,
		EmotionalSalience: 0.20,
		Novelty:           0.15,
		AccessFrequency:   0.20,
		ValueAlignment:    0.15,
	}
}

func (w Weights) normalized() Weights {
	sum := w.Importance + w.EmotionalSalience + w.Novelty + w.AccessFrequency + w.ValueAlignment
	if sum == 0 {
		return DefaultWeights()
	}
	return Weights{
		Importance:        w.Importance / sum,
		EmotionalSalience: w.EmotionalSalience / sum,
		Novelty:           w.Novelty / sum,
		AccessFrequency:   w.AccessFrequency / sum,
		ValueAlignment:    w.ValueAlignment / sum,
	}
}

func (w Weights) slice() []float64 {
	return []float64{w.Importance, w.EmotionalSalience, w.Novelty, w.AccessFrequency, w.ValueAlignment}
}

const defaultThreshold = 0.6

// BiasValueLookup resolves the Value a memory's formation is attributed to,
// for the valueAlignment factor. Returns ok=false if no value applies.
type BiasValueLookup func(m memory.Memory) (bias.Value, bool)

// Policy evaluates memories for promotion. It is pure aside from the
// optional BiasDetector/lookup it consults for valueAlignment.
type Policy struct {
	weights     Weights
	threshold   float64
	detector    *bias.Detector
	lookupValue BiasValueLookup
}

// Option configures a Policy.
type Option func(*Policy)

// WithWeights overrides the default factor weights (normalized to 1).
func WithWeights(w Weights) Option {
	return func(p *Policy) { p.weights = w.normalized() }
}

// WithThreshold overrides the default promotion cutoff (0.6).
func WithThreshold(t float64) Option {
	return func(p *Policy) { p.threshold = t }
}

// WithBiasDetector wires a BiasDetector and a lookup from Memory to the
// Value that produced it, enabling the valueAlignment factor's bias-aware
// scoring. Without this, valueAlignment defaults to 0.7 ("no detector
// configured").
func WithBiasDetector(d *bias.Detector, lookup BiasValueLookup) Option {
	return func(p *Policy) {
		p.detector = d
		p.lookupValue = lookup
	}
}

// New creates a Policy with spec defaults, applying any Options.
func New(opts ...Option) *Policy {
	p := &Policy{
		weights:   DefaultWeights(),
		threshold: defaultThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EvaluationContext supplies the comparison set novelty is scored against:
// recently-seen working-buffer memories plus recent long-term memories.
type EvaluationContext struct {
	Recent []memory.Memory
}

// FactorScores holds the five evaluated factor values, each in [0,1].
type FactorScores struct {
	Importance        float64
	EmotionalSalience float64
	Novelty           float64
	AccessFrequency   float64
	ValueAlignment    float64
}

// Evaluation is the outcome of scoring one memory.
type Evaluation struct {
	MemoryID       string
	PromotionScore float64
	Threshold      float64
	ShouldPromote  bool
	FactorScores   FactorScores
	Reason         string
}

// Evaluate scores m against ctx and decides whether it should be promoted.
func (p *Policy) Evaluate(_ context.Context, m memory.Memory, ctx EvaluationContext) Evaluation {
	scores := FactorScores{
		Importance:        importanceFactor(m),
		EmotionalSalience: emotionalSalienceFactor(m),
		Novelty:           noveltyFactor(m, ctx.Recent),
		AccessFrequency:   accessFrequencyFactor(m),
		ValueAlignment:    p.valueAlignmentFactor(m),
	}

	promotionScore := floats.Dot(p.weights.slice(), []float64{
		scores.Importance, scores.EmotionalSalience, scores.Novelty, scores.AccessFrequency, scores.ValueAlignment,
	})

	return Evaluation{
		MemoryID:       m.ID,
		PromotionScore: promotionScore,
		Threshold:      p.threshold,
		ShouldPromote:  promotionScore >= p.threshold,
		FactorScores:   scores,
		Reason:         topTwoReason(scores, p.weights),
	}
}

func importanceFactor(m memory.Memory) float64 {
	score := m.Importance
	switch m.Kind {
	case memory.KindError, memory.KindInsight:
		score += 0.15
	case memory.KindSuccess:
		score += 0.05
	}
	return clamp01(score)
}

func emotionalSalienceFactor(m memory.Memory) float64 {
	if m.EmotionalSalience != 0 {
		return clamp01(abs(m.EmotionalSalience))
	}
	switch m.Kind {
	case memory.KindError:
		return 0.7
	case memory.KindInsight:
		return 0.6
	case memory.KindSuccess:
		return 0.4
	default:
		return 0.3
	}
}

func noveltyFactor(m memory.Memory, recent []memory.Memory) float64 {
	if m.Novelty != nil {
		return clamp01(*m.Novelty)
	}
	if len(recent) == 0 {
		return 0.8
	}
	words := wordSet(m.Content + " " + m.Summary)
	maxSim := 0.0
	for _, r := range recent {
		if r.ID == m.ID {
			continue
		}
		sim := jaccard(words, wordSet(r.Content+" "+r.Summary))
		if sim > maxSim {
			maxSim = sim
		}
	}
	return clamp01(1 - maxSim)
}

func accessFrequencyFactor(m memory.Memory) float64 {
	switch {
	case m.AccessCount <= 0:
		return 0.2
	case m.AccessCount == 1:
		return 0.3
	case m.AccessCount >= 5:
		return 1.0
	default:
		// linear from 0.3 at 1 access to 1.0 at 5 accesses
		return 0.3 + (1.0-0.3)*float64(m.AccessCount-1)/4.0
	}
}

func (p *Policy) valueAlignmentFactor(m memory.Memory) float64 {
	if p.detector == nil {
		return 0.7
	}
	if p.lookupValue == nil {
		return 0.9
	}
	v, ok := p.lookupValue(m)
	if !ok {
		return 0.9
	}
	finding := p.detector.Inspect(v)
	if finding.BiasDetected && finding.BiasKind == bias.KindDiscriminatory {
		return 0.1
	}
	if finding.BiasDetected {
		return 0.4
	}
	return 0.9
}

func topTwoReason(s FactorScores, w Weights) string {
	type contrib struct {
		name  string
		value float64
	}
	contribs := []contrib{
		{"importance", s.Importance * w.Importance},
		{"emotionalSalience", s.EmotionalSalience * w.EmotionalSalience},
		{"novelty", s.Novelty * w.Novelty},
		{"accessFrequency", s.AccessFrequency * w.AccessFrequency},
		{"valueAlignment", s.ValueAlignment * w.ValueAlignment},
	}
	sort.Slice(contribs, func(i, j int) bool { return contribs[i].value > contribs[j].value })
	return fmt.Sprintf("driven by %s and %s", contribs[0].name, contribs[1].name)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
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
		return 0
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
