// Package fsm defines the session state machine: the state set, the table of
// legal transitions, and the engine that validates and executes them.
package fsm

import (
	"github.com/obralink/foreman/pkg/models"
)

// Trigger is a named event that may cause a state transition if the
// transition table permits it.
type Trigger string

const (
	TriggerUpdateRequested    Trigger = "update_requested"
	TriggerTaskSelected       Trigger = "task_selected"
	TriggerUserCancelled      Trigger = "user_cancelled"
	TriggerConflictingIntent  Trigger = "conflicting_intent"
	TriggerConflictingHighPri Trigger = "conflicting_high_priority_intent"
	TriggerTimeout            Trigger = "timeout"
	TriggerPhotoReceived      Trigger = "photo_received"
	TriggerCommentReceived    Trigger = "comment_received"
	TriggerActionPersisted    Trigger = "action_persisted"
	TriggerCompletionSignal   Trigger = "completion_signal"
	TriggerUserConfirmed      Trigger = "user_confirmed"
	TriggerUserDeclined       Trigger = "user_declined"
)

// Validator names referenced by the transition table.
const (
	ValidatorUserAuthenticated = "user_authenticated"
	ValidatorNoActiveSession   = "no_active_session"
	ValidatorTaskExists        = "task_exists"
	ValidatorUserHasPermission = "user_has_permission"
	ValidatorAtLeastOneUpdate  = "at_least_one_update_recorded"
	ValidatorSessionStillValid = "session_still_valid"
)

// Side-effect names referenced by the transition table.
const (
	EffectCreateSession    = "create_session"
	EffectPersistAction    = "persist_action"
	EffectIncrementCounter = "increment_counter"
	EffectPromptNextAction = "prompt_next_action"
	EffectPrepareSummary   = "prepare_summary"
	EffectSaveDraft        = "save_draft"
	EffectClearSession     = "clear_session"
	EffectMarkTaskComplete = "mark_external_task_complete"
)

// Rule is one legal edge in the transition table: validators run in declared
// order and short-circuit; effects run in declared order best-effort.
type Rule struct {
	From       models.SessionState
	To         models.SessionState
	Trigger    Trigger
	Validators []string
	Effects    []string
}

// edge is the lookup key for the transition table.
type edge struct {
	from    models.SessionState
	to      models.SessionState
	trigger Trigger
}

// Table is the complete set of legal transitions. Any (from, to, trigger) not
// listed here is rejected outright, never inferred at runtime.
var Table = []Rule{
	{
		From:       models.StateIdle,
		To:         models.StateTaskSelection,
		Trigger:    TriggerUpdateRequested,
		Validators: []string{ValidatorUserAuthenticated, ValidatorNoActiveSession},
	},
	{
		From:       models.StateTaskSelection,
		To:         models.StateAwaitingAction,
		Trigger:    TriggerTaskSelected,
		Validators: []string{ValidatorTaskExists, ValidatorUserHasPermission},
		Effects:    []string{EffectCreateSession},
	},
	{From: models.StateTaskSelection, To: models.StateAbandoned, Trigger: TriggerUserCancelled},
	{From: models.StateTaskSelection, To: models.StateAbandoned, Trigger: TriggerConflictingIntent},
	{From: models.StateTaskSelection, To: models.StateAbandoned, Trigger: TriggerTimeout},
	{
		From:    models.StateAwaitingAction,
		To:      models.StateCollectingData,
		Trigger: TriggerPhotoReceived,
		Effects: []string{EffectPersistAction, EffectIncrementCounter},
	},
	{
		From:    models.StateAwaitingAction,
		To:      models.StateCollectingData,
		Trigger: TriggerCommentReceived,
		Effects: []string{EffectPersistAction, EffectIncrementCounter},
	},
	{
		From:    models.StateCollectingData,
		To:      models.StateAwaitingAction,
		Trigger: TriggerActionPersisted,
		Effects: []string{EffectPromptNextAction},
	},
	{
		From:       models.StateAwaitingAction,
		To:         models.StateConfirmationPending,
		Trigger:    TriggerCompletionSignal,
		Validators: []string{ValidatorAtLeastOneUpdate},
		Effects:    []string{EffectPrepareSummary},
	},
	{
		From:    models.StateAwaitingAction,
		To:      models.StateAbandoned,
		Trigger: TriggerUserCancelled,
		Effects: []string{EffectSaveDraft, EffectClearSession},
	},
	{
		From:    models.StateAwaitingAction,
		To:      models.StateAbandoned,
		Trigger: TriggerConflictingHighPri,
		Effects: []string{EffectSaveDraft, EffectClearSession},
	},
	{
		From:    models.StateAwaitingAction,
		To:      models.StateAbandoned,
		Trigger: TriggerTimeout,
		Effects: []string{EffectSaveDraft, EffectClearSession},
	},
	{
		From:       models.StateConfirmationPending,
		To:         models.StateCompleted,
		Trigger:    TriggerUserConfirmed,
		Validators: []string{ValidatorSessionStillValid},
		Effects:    []string{EffectMarkTaskComplete, EffectClearSession},
	},
	{From: models.StateConfirmationPending, To: models.StateAwaitingAction, Trigger: TriggerUserDeclined},
}

// tableIndex is built once at init for O(1) rule lookup.
var tableIndex = func() map[edge]Rule {
	idx := make(map[edge]Rule, len(Table))
	for _, rule := range Table {
		idx[edge{rule.From, rule.To, rule.Trigger}] = rule
	}
	return idx
}()

// RuleFor returns the rule matching (from, to, trigger), if any.
func RuleFor(from, to models.SessionState, trigger Trigger) (Rule, bool) {
	rule, ok := tableIndex[edge{from, to, trigger}]
	return rule, ok
}

// CanTransition is a pure lookup into the transition table.
func CanTransition(from, to models.SessionState, trigger Trigger) bool {
	_, ok := RuleFor(from, to, trigger)
	return ok
}

// RulesFrom returns all rules leaving the given state, in table order.
func RulesFrom(from models.SessionState) []Rule {
	var rules []Rule
	for _, rule := range Table {
		if rule.From == from {
			rules = append(rules, rule)
		}
	}
	return rules
}

// closureFor maps an abandoning trigger to its closure reason.
func closureFor(to models.SessionState, trigger Trigger) models.ClosureReason {
	if to == models.StateCompleted {
		return models.ClosureCompleted
	}
	switch trigger {
	case TriggerUserCancelled:
		return models.ClosureCancelled
	case TriggerConflictingIntent, TriggerConflictingHighPri:
		return models.ClosureConflict
	case TriggerTimeout:
		return models.ClosureTimeout
	}
	return models.ClosureOverridden
}
