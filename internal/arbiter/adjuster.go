// Package arbiter decides what to do with each classified inbound message:
// it re-scores the classifier's confidence, resolves conflicts against the
// user's live session, and drives the FSM engine accordingly.
package arbiter

import (
	"strings"

	"github.com/obralink/foreman/pkg/models"
)

// Adjustment constants. Each is applied as its own attributable factor; the
// adjuster never folds them into an opaque score.
const (
	// SessionConflictPenalty applies when a live session's intent differs
	// from the candidate intent.
	SessionConflictPenalty = 0.30
	// FlowAlignmentBonus applies when the message is plausibly a direct
	// answer to the system's last question.
	FlowAlignmentBonus = 0.10
	// AmbiguityPenalty applies when a message is very short, or uses a term
	// lexically tied to more than one intent, while a session is active.
	AmbiguityPenalty = 0.10

	// shortMessageTokens is the word count at or below which a message is
	// considered too short to disambiguate on its own.
	shortMessageTokens = 3
)

// Factor is one applied confidence adjustment, kept for audit.
type Factor struct {
	Name  string  `json:"name"`
	Delta float64 `json:"delta"`
}

// Adjuster recomputes a usable confidence score from the classifier's raw
// score plus session and context signals. The adjustment is linear, never a
// replacement model.
type Adjuster struct {
	ambiguousTerms map[string]struct{}
}

// DefaultAmbiguousTerms are words lexically associated with more than one
// intent in the construction-update domain.
var DefaultAmbiguousTerms = []string{"problem", "issue", "done", "photo", "update"}

// NewAdjuster creates an adjuster with the given ambiguous-term lexicon.
// A nil or empty lexicon falls back to DefaultAmbiguousTerms.
func NewAdjuster(ambiguousTerms []string) *Adjuster {
	if len(ambiguousTerms) == 0 {
		ambiguousTerms = DefaultAmbiguousTerms
	}
	terms := make(map[string]struct{}, len(ambiguousTerms))
	for _, t := range ambiguousTerms {
		terms[strings.ToLower(t)] = struct{}{}
	}
	return &Adjuster{ambiguousTerms: terms}
}

// Adjust returns the adjusted confidence, clamped to [0,1], together with the
// ordered list of factors that produced it.
func (a *Adjuster) Adjust(fc *models.FSMContext) (float64, []Factor) {
	score := fc.RawConfidence
	var factors []Factor

	apply := func(name string, delta float64) {
		score += delta
		factors = append(factors, Factor{Name: name, Delta: delta})
	}

	if fc.HasSession() && fc.SessionIntent != "" && fc.SessionIntent != fc.CandidateIntent {
		apply("session_conflict", -SessionConflictPenalty)
	}

	if fc.LastPromptWasQuestion {
		apply("flow_alignment", FlowAlignmentBonus)
	}

	if fc.HasSession() && a.ambiguous(fc.Text) {
		apply("ambiguity", -AmbiguityPenalty)
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, factors
}

// ambiguous reports whether the text is too short or contains a term from the
// ambiguous lexicon.
func (a *Adjuster) ambiguous(text string) bool {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) <= shortMessageTokens && len(tokens) > 0 {
		return true
	}
	for _, tok := range tokens {
		if _, ok := a.ambiguousTerms[strings.Trim(tok, ".,!?")]; ok {
			return true
		}
	}
	return false
}
