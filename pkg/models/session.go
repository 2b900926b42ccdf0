// Package models contains domain models for foreman.
package models

import (
	"database/sql"
	"time"
)

// SessionState represents a state in the task-update workflow.
type SessionState string

const (
	StateIdle                SessionState = "IDLE"
	StateTaskSelection       SessionState = "TASK_SELECTION"
	StateAwaitingAction      SessionState = "AWAITING_ACTION"
	StateCollectingData      SessionState = "COLLECTING_DATA"
	StateConfirmationPending SessionState = "CONFIRMATION_PENDING"
	StateCompleted           SessionState = "COMPLETED"
	StateAbandoned           SessionState = "ABANDONED"
)

// AllStates lists every defined session state.
var AllStates = []SessionState{
	StateIdle,
	StateTaskSelection,
	StateAwaitingAction,
	StateCollectingData,
	StateConfirmationPending,
	StateCompleted,
	StateAbandoned,
}

// Valid reports whether s is one of the defined states.
func (s SessionState) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned
}

// ClosureReason explains why a session reached a terminal state.
type ClosureReason string

const (
	ClosureCompleted  ClosureReason = "completed"
	ClosureCancelled  ClosureReason = "user_cancelled"
	ClosureConflict   ClosureReason = "conflicting_intent"
	ClosureTimeout    ClosureReason = "timeout"
	ClosureOverridden ClosureReason = "overridden"
)

// Session tracks one user's progress through a single task-update workflow.
// At most one non-terminal session exists per user at any time; the store
// enforces this with a partial unique index.
type Session struct {
	ID                  string         `db:"id" json:"id"`
	UserID              string         `db:"user_id" json:"user_id"`
	TaskID              sql.NullString `db:"task_id" json:"task_id,omitempty"`
	ProjectID           sql.NullString `db:"project_id" json:"project_id,omitempty"`
	Intent              string         `db:"intent" json:"intent"`
	State               SessionState   `db:"state" json:"state"`
	ImagesUploaded      int            `db:"images_uploaded" json:"images_uploaded"`
	CommentsAdded       int            `db:"comments_added" json:"comments_added"`
	StatusChanged       bool           `db:"status_changed" json:"status_changed"`
	CreatedAt           string         `db:"created_at" json:"created_at"`
	CreatedAtEpoch      int64          `db:"created_at_epoch" json:"created_at_epoch"`
	LastActivityAt      string         `db:"last_activity_at" json:"last_activity_at"`
	LastActivityAtEpoch int64          `db:"last_activity_at_epoch" json:"last_activity_at_epoch"`
	ExpiresAtEpoch      int64          `db:"expires_at_epoch" json:"expires_at_epoch"`
	CompletedAt         sql.NullString `db:"completed_at" json:"completed_at,omitempty"`
	CompletedAtEpoch    sql.NullInt64  `db:"completed_at_epoch" json:"completed_at_epoch,omitempty"`
	ClosureReason       sql.NullString `db:"closure_reason" json:"closure_reason,omitempty"`
}

// HasRecordedUpdate reports whether at least one update (photo or comment)
// has been recorded. Status changes alone do not count toward completion.
func (s *Session) HasRecordedUpdate() bool {
	return s.ImagesUploaded > 0 || s.CommentsAdded > 0
}

// IdleSince returns how long the session has been idle relative to now.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.LastActivityAtEpoch))
}

// Active reports whether the session is still live (non-terminal).
func (s *Session) Active() bool {
	return !s.State.Terminal()
}
