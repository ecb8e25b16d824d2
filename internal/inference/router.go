// Package inference implements the dual-tier routing state machine:
// classify, budget-check, dispatch with retry, optional rote fallback,
// then charge and record the outcome. Retries use linear backoff between
// attempts.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noesis-systems/cogloop/internal/budget"
	"github.com/noesis-systems/cogloop/internal/classifier"
	"github.com/noesis-systems/cogloop/internal/llm"
	"github.com/noesis-systems/cogloop/internal/thought"
)

const (
	defaultEstimateTokens = 2000
	defaultMaxRetries     = 3
	defaultDeadline       = 30 * time.Second
)

// RouteContext carries cycle-scoped signal into a single Route call.
type RouteContext struct {
	RecentThoughts []thought.Thought
	CurrentCycle   int
}

// Options configures one Router.
type Options struct {
	EstimateTokens int
	MaxRetries     int
	Deadline       time.Duration
	NoFallback     bool
}

func (o Options) withDefaults() Options {
	if o.EstimateTokens <= 0 {
		o.EstimateTokens = defaultEstimateTokens
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.Deadline <= 0 {
		o.Deadline = defaultDeadline
	}
	return o
}

// Result is the outcome of a single Route call.
type Result struct {
	Text             string
	Tier             thought.Tier
	TokensUsed       int
	DurationMs       int64
	BudgetOverridden bool
	FallbackReason   string
}

// Router is the central dual-tier dispatch state machine.
type Router struct {
	classifier *classifier.Classifier
	budget     *budget.Manager
	deep       llm.Provider
	rote       llm.Provider
	opts       Options
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a Router. deep and rote must both be non-nil.
func New(c *classifier.Classifier, b *budget.Manager, deep, rote llm.Provider, opts Options) *Router {
	return &Router{
		classifier: c,
		budget:     b,
		deep:       deep,
		rote:       rote,
		opts:       opts.withDefaults(),
		sleep:      ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Route classifies t, budget-checks, dispatches with retry/fallback, charges
// the budget, and records the outcome with the classifier.
func (r *Router) Route(ctx context.Context, t thought.Thought, rc RouteContext) (Result, error) {
	classification := r.safeClassify(t, rc.RecentThoughts)

	tier := classification.Tier
	budgetOverridden := false

	if tier == thought.TierDeep {
		quote, err := r.budget.QuoteAmount(r.opts.EstimateTokens)
		if err != nil || !quote.Affordable {
			tier = thought.TierRote
			budgetOverridden = true
		}
	}

	dispatchTier := tier
	resp, dispatchErr := r.dispatchWithRetry(ctx, dispatchTier, t)

	fallbackReason := ""
	if dispatchErr != nil && dispatchTier == thought.TierDeep && !r.opts.NoFallback {
		fallbackReason = dispatchErr.Error()
		resp, dispatchErr = r.rote.Generate(ctx, t.Content, r.generateOptions())
		if dispatchErr == nil {
			tier = thought.TierRote
		}
	}

	if dispatchErr != nil {
		if r.classifier != nil {
			r.classifier.RecordOutcome(classification.Tier, tier)
		}
		return Result{}, fmt.Errorf("inference: %w", dispatchErr)
	}

	if tier == thought.TierDeep && resp.TokensUsed > 0 {
		if err := r.budget.Charge(resp.TokensUsed, thought.TierDeep); err != nil {
			// Post-success overflow: the call already happened, so this is
			// logged and ignored.
			_ = err
		}
	}

	if r.classifier != nil {
		r.classifier.RecordOutcome(classification.Tier, tier)
	}

	return Result{
		Text:             resp.Text,
		Tier:             tier,
		TokensUsed:       resp.TokensUsed,
		DurationMs:       resp.DurationMs,
		BudgetOverridden: budgetOverridden,
		FallbackReason:   fallbackReason,
	}, nil
}

// safeClassify defends against a panic inside the classifier
// step 2: "On any classification error, default to rote with score 0").
func (r *Router) safeClassify(t thought.Thought, recent []thought.Thought) (result thought.Classification) {
	defer func() {
		if rec := recover(); rec != nil {
			result = thought.Classification{
				Tier:   thought.TierRote,
				Reason: "classification failed",
			}
		}
	}()
	return r.classifier.Classify(t, recent)
}

func (r *Router) generateOptions() llm.GenerateOptions {
	return llm.GenerateOptions{
		MaxTokens: r.opts.EstimateTokens,
		Deadline:  time.Now().Add(r.opts.Deadline),
	}
}

func (r *Router) dispatchWithRetry(ctx context.Context, tier thought.Tier, t thought.Thought) (llm.Response, error) {
	provider := r.rote
	if tier == thought.TierDeep {
		provider = r.deep
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Deadline)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		resp, err := provider.Generate(callCtx, t.Content, r.generateOptions())
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(ctx.Err(), context.Canceled) {
			return llm.Response{}, ctx.Err()
		}

		if attempt < r.opts.MaxRetries {
			if sleepErr := r.sleep(ctx, time.Duration(attempt)*time.Second); sleepErr != nil {
				return llm.Response{}, sleepErr
			}
		}
	}
	return llm.Response{}, fmt.Errorf("provider exhausted retries: %w", lastErr)
}
