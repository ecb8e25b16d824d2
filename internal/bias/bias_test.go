package bias

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctxAt(strength float64, opposing, poor bool, at time.Time) Context {
	return Context{Strength: strength, OpposingProof: opposing, OutcomeWasPoor: poor, At: at}
}

func TestInspectSensitiveCategoryAlwaysDiscriminatory(t *testing.T) {
	d := New()
	v := Value{ID: "v1", Category: "gender", Contexts: []Context{ctxAt(0.1, false, false, time.Now())}}
	finding := d.Inspect(v)
	assert.True(t, finding.BiasDetected)
	assert.Equal(t, KindDiscriminatory, finding.BiasKind)
	assert.Equal(t, 0.9, finding.Confidence)
}

func TestInspectMonotonicWithoutOppositionIsAnchoring(t *testing.T) {
	d := New()
	now := time.Now()
	v := Value{
		ID:       "v2",
		Category: "general",
		Contexts: []Context{
			ctxAt(0.1, false, false, now),
			ctxAt(0.3, false, false, now.Add(time.Hour)),
			ctxAt(0.5, false, false, now.Add(2*time.Hour)),
		},
	}
	finding := d.Inspect(v)
	assert.True(t, finding.BiasDetected)
	assert.Equal(t, KindAnchoring, finding.BiasKind)
}

func TestInspectOpposingProofBreaksAnchoring(t *testing.T) {
	d := New()
	now := time.Now()
	v := Value{
		ID:       "v3",
		Category: "general",
		Contexts: []Context{
			ctxAt(0.1, false, false, now),
			ctxAt(0.3, true, false, now.Add(time.Hour)),
			ctxAt(0.5, false, false, now.Add(2*time.Hour)),
		},
	}
	finding := d.Inspect(v)
	assert.False(t, finding.BiasDetected)
	assert.Equal(t, KindNone, finding.BiasKind)
}

func TestInspectPoorOutcomeRatioIsConfirmation(t *testing.T) {
	d := New()
	now := time.Now()
	v := Value{
		ID:       "v4",
		Category: "general",
		Contexts: []Context{
			ctxAt(0.5, false, true, now),
			ctxAt(0.4, false, true, now.Add(time.Hour)),
			ctxAt(0.6, false, true, now.Add(2*time.Hour)),
			ctxAt(0.2, false, false, now.Add(3*time.Hour)),
		},
	}
	finding := d.Inspect(v)
	assert.True(t, finding.BiasDetected)
	assert.Equal(t, KindConfirmation, finding.BiasKind)
}

func TestInspectNoTriggerIsNone(t *testing.T) {
	d := New()
	v := Value{ID: "v5", Category: "general", Contexts: []Context{ctxAt(0.5, false, false, time.Now())}}
	finding := d.Inspect(v)
	assert.False(t, finding.BiasDetected)
}

func TestChallengePersistsAcrossReinspection(t *testing.T) {
	d := New()
	v := Value{ID: "v6", Category: "race", Contexts: []Context{ctxAt(0.1, false, false, time.Now())}}

	first := d.Inspect(v)
	require.True(t, first.BiasDetected)
	assert.False(t, first.Challenged)

	d.Challenge(v.ID)
	second := d.Inspect(v)
	assert.True(t, second.Challenged)
}

func TestChallengeUnknownValueIsNoOp(t *testing.T) {
	d := New()
	d.Challenge("does-not-exist")
	assert.Empty(t, d.Findings())
}

func TestUnchallengedCount(t *testing.T) {
	d := New()
	d.Inspect(Value{ID: "a", Category: "race", Contexts: []Context{ctxAt(0.1, false, false, time.Now())}})
	d.Inspect(Value{ID: "b", Category: "age", Contexts: []Context{ctxAt(0.1, false, false, time.Now())}})
	assert.Equal(t, 2, d.UnchallengedCount())

	d.Challenge("a")
	assert.Equal(t, 1, d.UnchallengedCount())
}
