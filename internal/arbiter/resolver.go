package arbiter

import (
	"fmt"

	"github.com/obralink/foreman/internal/intent"
	"github.com/obralink/foreman/pkg/models"
)

// Resolver decides whether a candidate intent overrides, clarifies against,
// runs inline with, or simply executes over the user's live session. It is a
// total function over the five priority tiers: every combination resolves to
// exactly one action, because an unresolved conflict silently misattributes
// data between tasks.
type Resolver struct {
	registry *intent.Registry
}

// NewResolver creates a resolver backed by the given intent registry.
func NewResolver(registry *intent.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve maps (candidate intent, live-session snapshot) to a Resolution.
// Confidence does not participate here: tier rules hold even at 0.0.
func (r *Resolver) Resolve(fc *models.FSMContext) models.Resolution {
	candidate := r.registry.Lookup(fc.CandidateIntent)

	if !fc.HasSession() {
		return models.Resolution{Action: models.ActionExecute}
	}

	switch candidate.Tier {
	case intent.TierSystem:
		// P0 always overrides immediately, session force-closed with draft.
		return models.Resolution{
			Action:       models.ActionOverride,
			CloseSession: true,
			SaveDraft:    true,
		}

	case intent.TierDestructive:
		// P1 always requires explicit confirmation before executing,
		// regardless of confidence. Session untouched until answered.
		return models.Resolution{
			Action: models.ActionClarify,
			Clarification: &models.Clarification{
				Question: fmt.Sprintf("This will run %q, which cannot be undone. What would you like to do?", fc.CandidateIntent),
				Options: []string{
					fmt.Sprintf("confirm %s", fc.CandidateIntent),
					"continue current session",
				},
			},
		}

	case intent.TierStateful:
		session := r.registry.Lookup(fc.SessionIntent)
		if session.Tier == intent.TierStateful && fc.SessionIntent == fc.CandidateIntent {
			// Same stateful flow: continues the existing session.
			return models.Resolution{Action: models.ActionExecute}
		}
		// Another stateful flow, or a session opened by a different tier:
		// the user must choose rather than have data land on the wrong task.
		return models.Resolution{
			Action: models.ActionClarify,
			Clarification: &models.Clarification{
				Question: fmt.Sprintf("You are in the middle of %q. Continue, or switch to %q?", fc.SessionIntent, fc.CandidateIntent),
				Options: []string{
					fmt.Sprintf("continue %s", fc.SessionIntent),
					fmt.Sprintf("switch to %s", fc.CandidateIntent),
				},
			},
		}

	case intent.TierNavigational:
		if candidate.ClosesSession {
			return models.Resolution{
				Action:       models.ActionOverride,
				CloseSession: true,
				SaveDraft:    true,
			}
		}
		return models.Resolution{Action: models.ActionInline, SessionReminder: true}

	default:
		// P4 informational, and anything unknown the registry defaulted to
		// informational: answer inline, session untouched, with a reminder
		// that the session is still open.
		return models.Resolution{Action: models.ActionInline, SessionReminder: true}
	}
}
