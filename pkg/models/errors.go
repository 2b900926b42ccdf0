package models

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the store and the arbitration pipeline.
var (
	// ErrSessionConflict means a second live session was attempted for a
	// user. Expected under races; resolved by per-user serialization and
	// never shown to the user as an error.
	ErrSessionConflict = errors.New("user already has a live session")

	// ErrSessionNotFound means the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUserBusy means the per-user lock could not be acquired within the
	// bounded timeout. The caller should answer "busy, retry".
	ErrUserBusy = errors.New("user session busy, retry")
)

// TransitionError reports an illegal (from, to, trigger) edge. This is always
// a programming or data-corruption bug, never expected from user input, and
// is logged at error level and escalated.
type TransitionError struct {
	From    SessionState
	To      SessionState
	Trigger string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s on %q", e.From, e.To, e.Trigger)
}

// ValidationError reports a failed transition precondition. Expected from
// user input; routed to a clarification or polite rejection, never a crash.
type ValidationError struct {
	Validator string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("validation failed: %s", e.Validator)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Validator, e.Reason)
}

// SideEffectFailure wraps a failed side effect. Non-fatal: logged, never
// aborts a committed transition.
type SideEffectFailure struct {
	Effect string
	Err    error
}

func (e *SideEffectFailure) Error() string {
	return fmt.Sprintf("side effect %q failed: %v", e.Effect, e.Err)
}

func (e *SideEffectFailure) Unwrap() error { return e.Err }
