package store

import (
	"database/sql"

	"github.com/obralink/foreman/pkg/models"
)

// GORM models. The partial unique index enforcing at most one live session
// per user cannot be expressed in struct tags and is created in migrations.

// sessionRow is the sessions table.
type sessionRow struct {
	ID                  string `gorm:"primaryKey"`
	UserID              string `gorm:"index;not null"`
	TaskID              sql.NullString
	ProjectID           sql.NullString
	Intent              string `gorm:"not null"`
	State               string `gorm:"type:text;check:state IN ('IDLE', 'TASK_SELECTION', 'AWAITING_ACTION', 'COLLECTING_DATA', 'CONFIRMATION_PENDING', 'COMPLETED', 'ABANDONED');index"`
	ImagesUploaded      int    `gorm:"default:0"`
	CommentsAdded       int    `gorm:"default:0"`
	StatusChanged       bool   `gorm:"default:false"`
	CreatedAt           string `gorm:"not null"`
	CreatedAtEpoch      int64  `gorm:"not null"`
	LastActivityAt      string `gorm:"not null"`
	LastActivityAtEpoch int64  `gorm:"index:idx_sessions_activity;not null"`
	ExpiresAtEpoch      int64  `gorm:"not null"`
	ReminderSentAtEpoch sql.NullInt64
	CompletedAt         sql.NullString
	CompletedAtEpoch    sql.NullInt64
	ClosureReason       sql.NullString
}

func (sessionRow) TableName() string { return "sessions" }

// draftRow is the drafts table.
type draftRow struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"index;not null"`
	SourceSessionID string `gorm:"index;not null"`
	TaskID          sql.NullString
	ProjectID       sql.NullString
	Intent          string
	ImagesUploaded  int  `gorm:"default:0"`
	CommentsAdded   int  `gorm:"default:0"`
	StatusChanged   bool `gorm:"default:false"`
	CreatedAt       string
	CreatedAtEpoch  int64 `gorm:"index:idx_drafts_created,sort:desc;not null"`
	ExpiresAtEpoch  int64 `gorm:"not null"`
	ConsumedAtEpoch sql.NullInt64
}

func (draftRow) TableName() string { return "drafts" }

// transitionRow is the append-only transition audit table.
type transitionRow struct {
	ID              int64               `gorm:"primaryKey;autoIncrement"`
	SessionID       string              `gorm:"index;not null"`
	UserID          string              `gorm:"index;not null"`
	FromState       string              `gorm:"not null"`
	ToState         string              `gorm:"not null"`
	Trigger         string              `gorm:"column:trigger_name;not null"`
	Metadata        models.JSONMetadata `gorm:"type:text"`
	OccurredAt      string              `gorm:"not null"`
	OccurredAtEpoch int64               `gorm:"index:idx_transitions_occurred,sort:desc;not null"`
}

func (transitionRow) TableName() string { return "transition_records" }

// Conversions between rows and domain models.

func (r *sessionRow) toModel() *models.Session {
	return &models.Session{
		ID:                  r.ID,
		UserID:              r.UserID,
		TaskID:              r.TaskID,
		ProjectID:           r.ProjectID,
		Intent:              r.Intent,
		State:               models.SessionState(r.State),
		ImagesUploaded:      r.ImagesUploaded,
		CommentsAdded:       r.CommentsAdded,
		StatusChanged:       r.StatusChanged,
		CreatedAt:           r.CreatedAt,
		CreatedAtEpoch:      r.CreatedAtEpoch,
		LastActivityAt:      r.LastActivityAt,
		LastActivityAtEpoch: r.LastActivityAtEpoch,
		ExpiresAtEpoch:      r.ExpiresAtEpoch,
		CompletedAt:         r.CompletedAt,
		CompletedAtEpoch:    r.CompletedAtEpoch,
		ClosureReason:       r.ClosureReason,
	}
}

func (r *draftRow) toModel() *models.Draft {
	return &models.Draft{
		ID:              r.ID,
		UserID:          r.UserID,
		SourceSessionID: r.SourceSessionID,
		TaskID:          r.TaskID,
		ProjectID:       r.ProjectID,
		Intent:          r.Intent,
		ImagesUploaded:  r.ImagesUploaded,
		CommentsAdded:   r.CommentsAdded,
		StatusChanged:   r.StatusChanged,
		CreatedAt:       r.CreatedAt,
		CreatedAtEpoch:  r.CreatedAtEpoch,
		ExpiresAtEpoch:  r.ExpiresAtEpoch,
		ConsumedAtEpoch: r.ConsumedAtEpoch,
	}
}

func (r *transitionRow) toModel() *models.TransitionRecord {
	return &models.TransitionRecord{
		ID:              r.ID,
		SessionID:       r.SessionID,
		UserID:          r.UserID,
		FromState:       models.SessionState(r.FromState),
		ToState:         models.SessionState(r.ToState),
		Trigger:         r.Trigger,
		Metadata:        r.Metadata,
		OccurredAt:      r.OccurredAt,
		OccurredAtEpoch: r.OccurredAtEpoch,
	}
}
