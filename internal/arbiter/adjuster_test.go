package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/obralink/foreman/pkg/models"
)

func activeContext(raw float64) *models.FSMContext {
	return &models.FSMContext{
		UserID:          "user-1",
		State:           models.StateAwaitingAction,
		SessionID:       "sess-1",
		SessionIntent:   "update_progress",
		CandidateIntent: "update_progress",
		Text:            "here is the latest photo of the east wall",
		RawConfidence:   raw,
	}
}

// TestNoAdjustmentWithoutSignals checks the raw score passes through when no
// factor applies.
func TestNoAdjustmentWithoutSignals(t *testing.T) {
	a := NewAdjuster(nil)
	score, factors := a.Adjust(activeContext(0.8))
	assert.InDelta(t, 0.8, score, 1e-9)
	assert.Empty(t, factors)
}

// TestSessionConflictPenalty checks a differing session intent subtracts the
// documented constant, attributed by name.
func TestSessionConflictPenalty(t *testing.T) {
	a := NewAdjuster(nil)
	fc := activeContext(0.8)
	fc.CandidateIntent = "report_incident"

	score, factors := a.Adjust(fc)
	assert.InDelta(t, 0.5, score, 1e-9)
	assert.Len(t, factors, 1)
	assert.Equal(t, "session_conflict", factors[0].Name)
	assert.InDelta(t, -SessionConflictPenalty, factors[0].Delta, 1e-9)
}

// TestFlowAlignmentBonus checks answering the system's question adds the
// bonus.
func TestFlowAlignmentBonus(t *testing.T) {
	a := NewAdjuster(nil)
	fc := activeContext(0.5)
	fc.LastPromptWasQuestion = true

	score, factors := a.Adjust(fc)
	assert.InDelta(t, 0.6, score, 1e-9)
	assert.Equal(t, "flow_alignment", factors[0].Name)
}

// TestAmbiguityPenalty covers both triggers: short messages and lexicon terms.
func TestAmbiguityPenalty(t *testing.T) {
	a := NewAdjuster(nil)

	short := activeContext(0.7)
	short.Text = "ok"
	score, factors := a.Adjust(short)
	assert.InDelta(t, 0.6, score, 1e-9)
	assert.Equal(t, "ambiguity", factors[0].Name)

	lexical := activeContext(0.7)
	lexical.Text = "there is a problem with the concrete pour on level two"
	score, _ = a.Adjust(lexical)
	assert.InDelta(t, 0.6, score, 1e-9)

	// No session: ambiguity does not apply.
	idle := activeContext(0.7)
	idle.Text = "ok"
	idle.State = models.StateIdle
	idle.SessionID = ""
	score, factors = a.Adjust(idle)
	assert.InDelta(t, 0.7, score, 1e-9)
	assert.Empty(t, factors)
}

// TestMonotonicity checks each factor moves the score in exactly one
// direction, independently of the others.
func TestMonotonicity(t *testing.T) {
	a := NewAdjuster(nil)
	for _, raw := range []float64{0.0, 0.2, 0.5, 0.8, 1.0} {
		base, _ := a.Adjust(activeContext(raw))

		conflict := activeContext(raw)
		conflict.CandidateIntent = "report_incident"
		withConflict, _ := a.Adjust(conflict)
		assert.LessOrEqual(t, withConflict, base, "conflict penalty must never raise confidence (raw=%v)", raw)

		aligned := activeContext(raw)
		aligned.LastPromptWasQuestion = true
		withBonus, _ := a.Adjust(aligned)
		assert.GreaterOrEqual(t, withBonus, base, "flow bonus must never lower confidence (raw=%v)", raw)
	}
}

// TestClamping checks output stays in [0,1] at the extremes.
func TestClamping(t *testing.T) {
	a := NewAdjuster(nil)

	low := activeContext(0.1)
	low.CandidateIntent = "report_incident"
	low.Text = "problem"
	score, _ := a.Adjust(low)
	assert.GreaterOrEqual(t, score, 0.0)

	high := activeContext(0.98)
	high.LastPromptWasQuestion = true
	score, _ = a.Adjust(high)
	assert.LessOrEqual(t, score, 1.0)
}

// TestCustomLexicon checks a configured lexicon replaces the default one.
func TestCustomLexicon(t *testing.T) {
	a := NewAdjuster([]string{"hormigón"})
	fc := activeContext(0.7)
	fc.Text = "el hormigón ya está listo para revisión final"
	score, factors := a.Adjust(fc)
	assert.InDelta(t, 0.6, score, 1e-9)
	assert.Equal(t, "ambiguity", factors[0].Name)
}
