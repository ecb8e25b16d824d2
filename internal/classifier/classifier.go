// Package classifier scores a Thought on five weighted dimensions and
// decides whether it deserves the deep inference tier or the rote one.
package classifier

import (
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/dlclark/regexp2"
	"gonum.org/v1/gonum/floats"

	"github.com/noesis-systems/cogloop/internal/thought"
)

// Weights holds the five dimension weights; they must sum to 1.
type Weights struct {
	Complexity  float64
	Novelty     float64
	Creativity  float64
	Uncertainty float64
	Stakes      float64
}

// DefaultWeights sets the relative emphasis across the five dimensions:
// complexity carries the most weight, uncertainty the least, and novelty,
// creativity and stakes are weighted equally.
func DefaultWeights() Weights {
	return Weights{
		Complexity:  0.25,
		Novelty:     0.20,
		Creativity:  0.20,
		Uncertainty: 0.15,
		Stakes:      0.20,
	}
}

func (w Weights) slice() []float64 {
	return []float64{w.Complexity, w.Novelty, w.Creativity, w.Uncertainty, w.Stakes}
}

const (
	defaultThreshold = 0.6
	minThreshold     = 0.4
	maxThreshold     = 0.8
	adjustStep       = 0.02
	minOutcomeWindow = 20
	maxOutcomeWindow = 200
)

// outcome records what tier a Classification recommended versus what tier
// actually turned out to serve the thought, for the adaptive-threshold pass.
type outcome struct {
	predicted thought.Tier
	actual    thought.Tier
}

// Classifier is a pure function of (thought, recent) plus a small amount of
// adaptive state (the threshold and its outcome window), all guarded by one
// mutex guarding the whole struct.
type Classifier struct {
	mu        sync.Mutex
	weights   Weights
	threshold float64
	outcomes  []outcome
}

// New creates a Classifier with the given initial threshold (clamped to
// [0.4, 0.8]) and default weights.
func New(initialThreshold float64) *Classifier {
	if initialThreshold < minThreshold {
		initialThreshold = minThreshold
	}
	if initialThreshold > maxThreshold {
		initialThreshold = maxThreshold
	}
	return &Classifier{
		weights:   DefaultWeights(),
		threshold: initialThreshold,
	}
}

// Threshold returns the current adaptive threshold.
func (c *Classifier) Threshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// Classify scores content and returns a tier decision. It never performs I/O.
func (c *Classifier) Classify(t thought.Thought, recent []thought.Thought) thought.Classification {
	c.mu.Lock()
	threshold := c.threshold
	weights := c.weights
	c.mu.Unlock()

	if strings.TrimSpace(t.Content) == "" {
		return thought.Classification{
			Tier:       thought.TierRote,
			DeepScore:  0.1,
			Confidence: 1,
			Reason:     "empty content",
		}
	}

	scores := thought.FactorScores{
		Complexity:  complexityScore(t),
		Novelty:     noveltyScore(t, recent),
		Creativity:  creativityScore(t),
		Uncertainty: uncertaintyScore(t),
		Stakes:      stakesScore(t),
	}

	deepScore := floats.Dot(weights.slice(), []float64{
		scores.Complexity, scores.Novelty, scores.Creativity, scores.Uncertainty, scores.Stakes,
	})
	deepScore = clamp01(deepScore)

	tier := thought.TierRote
	if deepScore > threshold {
		tier = thought.TierDeep
	}

	confidence := math.Min(1, math.Abs(deepScore-threshold)/0.4)

	return thought.Classification{
		Tier:         tier,
		DeepScore:    deepScore,
		Confidence:   confidence,
		FactorScores: scores,
		Reason:       reasonFor(tier, deepScore, threshold),
	}
}

func reasonFor(tier thought.Tier, deepScore, threshold float64) string {
	if tier == thought.TierDeep {
		return "deepScore above threshold"
	}
	if deepScore == 0.1 {
		return "empty content"
	}
	return "deepScore at or below threshold"
}

// RecordOutcome feeds back what tier actually served the thought so the
// adaptive threshold can self-correct. Safe to call from any goroutine.
func (c *Classifier) RecordOutcome(predicted, actual thought.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes = append(c.outcomes, outcome{predicted: predicted, actual: actual})
	if len(c.outcomes) > maxOutcomeWindow {
		c.outcomes = c.outcomes[len(c.outcomes)-maxOutcomeWindow:]
	}
	c.maybeAdjustThreshold()
}

// maybeAdjustThreshold nudges the threshold based on recent outcomes. Must be
// called with c.mu held. Idempotent: once applied, the window is cleared so
// the same evidence never nudges the threshold twice.
func (c *Classifier) maybeAdjustThreshold() {
	if len(c.outcomes) < minOutcomeWindow {
		return
	}

	var deepToRote, roteToDeep int
	for _, o := range c.outcomes {
		if o.predicted == o.actual {
			continue
		}
		if o.predicted == thought.TierDeep {
			deepToRote++
		} else {
			roteToDeep++
		}
	}

	net := deepToRote - roteToDeep
	if net >= -1 && net <= 1 {
		// Balanced within ±1: no direction is clearly indicated.
		c.outcomes = c.outcomes[:0]
		return
	}

	delta := adjustStep * float64(abs(net))
	if net > 0 {
		// Too many deep calls turned out to be rote-grade: raise the bar.
		c.threshold += delta
	} else {
		c.threshold -= delta
	}
	c.threshold = clamp(c.threshold, minThreshold, maxThreshold)
	c.outcomes = c.outcomes[:0]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// --- dimension scoring -----------------------------------------------------

var complexVocab = []string{
	"architecture", "distributed", "concurrency", "algorithm", "tradeoff",
	"optimize", "synchroniz", "consisten", "invariant", "recursive",
}

var simpleVocab = []string{"hello", "ok", "yes", "no", "thanks", "simple", "quick"}

var creativeVocab = []string{
	"imagine", "what if", "brainstorm", "metaphor", "novel", "reimagine", "design",
}

var deterministicVocab = []string{
	"calculate", "lookup", "fetch", "list", "enumerate", "compute", "verify",
}

var highImpactVocab = []string{
	"production", "irreversible", "security", "data loss", "outage", "critical", "financial",
}

var lowImpactVocab = []string{"draft", "sandbox", "test", "scratch", "exploratory"}

var hedgePattern = regexp2.MustCompile(`\b(maybe|perhaps|possibly|might|could be|not sure|i think|seems?)\b`, regexp2.IgnoreCase)
var vaguePattern = regexp2.MustCompile(`\b(something|somehow|some(one|thing|how)|stuff|thing(s)?|it)\b`, regexp2.IgnoreCase)
var numeralPattern = regexp.MustCompile(`\d`)
var quotePattern = regexp.MustCompile(`["']`)
var clauseSeparators = regexp.MustCompile(`[,;:]|(?:\bthen\b)|(?:\band\b)`)

func wordsOf(content string) []string {
	fields := strings.Fields(strings.ToLower(content))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}

func containsAny(lower string, vocab []string) int {
	n := 0
	for _, v := range vocab {
		if strings.Contains(lower, v) {
			n++
		}
	}
	return n
}

func kindBias(k thought.Kind, forComplexity, forStakes bool) float64 {
	switch k {
	case thought.KindMeta, thought.KindReflection:
		if forComplexity {
			return 0.1
		}
	case thought.KindError:
		if forStakes {
			return 0.2
		}
	case thought.KindCommand:
		if forStakes {
			return 0.1
		}
	}
	return 0
}

func complexityScore(t thought.Thought) float64 {
	words := wordsOf(t.Content)
	lower := strings.ToLower(t.Content)

	lengthScore := clamp01(float64(len(words)) / 60.0)
	complexHits := float64(containsAny(lower, complexVocab))
	simpleHits := float64(containsAny(lower, simpleVocab))
	vocabScore := clamp01(0.5 + 0.15*complexHits - 0.2*simpleHits)
	clauseScore := clamp01(float64(len(clauseSeparators.FindAllString(t.Content, -1))) / 5.0)

	score := 0.4*lengthScore + 0.4*vocabScore + 0.2*clauseScore
	score += kindBias(t.Kind, true, false)
	return clamp01(score)
}

func noveltyScore(t thought.Thought, recent []thought.Thought) float64 {
	if len(recent) == 0 {
		return 0.8
	}

	words := wordsOf(t.Content)
	maxJaccard := 0.0
	minEditRatio := 1.0

	for _, r := range recent {
		j := jaccard(words, wordsOf(r.Content))
		if j > maxJaccard {
			maxJaccard = j
		}
		editRatio := editDistanceRatio(t.Content, r.Content)
		if editRatio < minEditRatio {
			minEditRatio = editRatio
		}
	}

	novelty := 1 - maxJaccard
	// Levenshtein assist: a near-duplicate rephrasing with low word overlap
	// (typos, reorderings) still shouldn't read as fully novel.
	novelty = math.Min(novelty, 0.3+0.7*minEditRatio)
	return clamp01(novelty)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := toSet(a)
	setB := toSet(b)
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func editDistanceRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	return float64(d) / float64(maxLen)
}

func creativityScore(t thought.Thought) float64 {
	lower := strings.ToLower(t.Content)
	creativeHits := float64(containsAny(lower, creativeVocab))
	deterministicHits := float64(containsAny(lower, deterministicVocab))

	openEnded := 0.0
	if strings.Contains(t.Content, "?") && (strings.HasPrefix(lower, "what if") || strings.HasPrefix(lower, "how might") || strings.HasPrefix(lower, "why")) {
		openEnded = 0.3
	}

	score := 0.5 + 0.15*creativeHits - 0.15*deterministicHits + openEnded
	score += kindBias(t.Kind, false, false)
	if t.Kind == thought.KindReflection {
		score += 0.1
	}
	return clamp01(score)
}

func uncertaintyScore(t thought.Thought) float64 {
	hedgeMatches := countMatches(hedgePattern, t.Content)
	vagueMatches := countMatches(vaguePattern, t.Content)
	words := wordsOf(t.Content)
	density := 0.0
	if len(words) > 0 {
		density = float64(hedgeMatches+vagueMatches) / float64(len(words))
	}

	score := clamp01(density * 4)
	if numeralPattern.MatchString(t.Content) {
		score -= 0.15
	}
	if quotePattern.MatchString(t.Content) {
		score -= 0.1
	}
	return clamp01(score)
}

func countMatches(re *regexp2.Regexp, s string) int {
	count := 0
	m, _ := re.FindStringMatch(s)
	for m != nil {
		count++
		m, _ = re.FindNextMatch(m)
	}
	return count
}

func stakesScore(t thought.Thought) float64 {
	lower := strings.ToLower(t.Content)
	highHits := float64(containsAny(lower, highImpactVocab))
	lowHits := float64(containsAny(lower, lowImpactVocab))

	score := 0.4 + 0.2*highHits - 0.15*lowHits
	score += kindBias(t.Kind, false, true)
	if t.Priority == thought.PriorityHigh {
		score += 0.2
	} else if t.Priority == thought.PriorityLow {
		score -= 0.1
	}
	return clamp01(score)
}
