package models

import (
	"database/sql"
	"time"
)

// Draft is a recoverable snapshot of an abandoned or soft-closed session's
// partial progress. It lives independently of the Session record so a new
// session can surface "you have unfinished work on task X".
type Draft struct {
	ID              string         `db:"id" json:"id"`
	UserID          string         `db:"user_id" json:"user_id"`
	SourceSessionID string         `db:"source_session_id" json:"source_session_id"`
	TaskID          sql.NullString `db:"task_id" json:"task_id,omitempty"`
	ProjectID       sql.NullString `db:"project_id" json:"project_id,omitempty"`
	Intent          string         `db:"intent" json:"intent"`
	ImagesUploaded  int            `db:"images_uploaded" json:"images_uploaded"`
	CommentsAdded   int            `db:"comments_added" json:"comments_added"`
	StatusChanged   bool           `db:"status_changed" json:"status_changed"`
	CreatedAt       string         `db:"created_at" json:"created_at"`
	CreatedAtEpoch  int64          `db:"created_at_epoch" json:"created_at_epoch"`
	ExpiresAtEpoch  int64          `db:"expires_at_epoch" json:"expires_at_epoch"`
	ConsumedAtEpoch sql.NullInt64  `db:"consumed_at_epoch" json:"consumed_at_epoch,omitempty"`
}

// NewDraft snapshots a session into a draft with the given recovery window.
func NewDraft(id string, sess *Session, ttl time.Duration) *Draft {
	now := time.Now()
	return &Draft{
		ID:              id,
		UserID:          sess.UserID,
		SourceSessionID: sess.ID,
		TaskID:          sess.TaskID,
		ProjectID:       sess.ProjectID,
		Intent:          sess.Intent,
		ImagesUploaded:  sess.ImagesUploaded,
		CommentsAdded:   sess.CommentsAdded,
		StatusChanged:   sess.StatusChanged,
		CreatedAt:       now.Format(time.RFC3339),
		CreatedAtEpoch:  now.UnixMilli(),
		ExpiresAtEpoch:  now.Add(ttl).UnixMilli(),
	}
}

// Recoverable reports whether the draft is still inside its recovery window
// and has not yet been consumed by a new session.
func (d *Draft) Recoverable(now time.Time) bool {
	return !d.ConsumedAtEpoch.Valid && now.UnixMilli() < d.ExpiresAtEpoch
}
