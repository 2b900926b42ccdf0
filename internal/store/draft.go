package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/obralink/foreman/pkg/models"
)

// SaveDraft snapshots a session into a recoverable draft with the configured
// recovery window.
func (s *Store) SaveDraft(ctx context.Context, sess *models.Session) (*models.Draft, error) {
	draft := models.NewDraft(uuid.NewString(), sess, s.draftTTL)
	row := draftRow{
		ID:              draft.ID,
		UserID:          draft.UserID,
		SourceSessionID: draft.SourceSessionID,
		TaskID:          draft.TaskID,
		ProjectID:       draft.ProjectID,
		Intent:          draft.Intent,
		ImagesUploaded:  draft.ImagesUploaded,
		CommentsAdded:   draft.CommentsAdded,
		StatusChanged:   draft.StatusChanged,
		CreatedAt:       draft.CreatedAt,
		CreatedAtEpoch:  draft.CreatedAtEpoch,
		ExpiresAtEpoch:  draft.ExpiresAtEpoch,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return draft, nil
}

// RecoverableDraft returns the user's most recent unconsumed, unexpired
// draft, or nil.
func (s *Store) RecoverableDraft(ctx context.Context, userID string) (*models.Draft, error) {
	var row draftRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND consumed_at_epoch IS NULL AND expires_at_epoch > ?", userID, s.now().UnixMilli()).
		Order("created_at_epoch DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ConsumeDraft marks a draft as picked up by a new session.
func (s *Store) ConsumeDraft(ctx context.Context, draftID string) error {
	res := s.db.WithContext(ctx).Model(&draftRow{}).
		Where("id = ? AND consumed_at_epoch IS NULL", draftID).
		Update("consumed_at_epoch", sql.NullInt64{Int64: s.now().UnixMilli(), Valid: true})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// PurgeExpiredDrafts deletes drafts past their recovery window. Returns the
// number removed.
func (s *Store) PurgeExpiredDrafts(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at_epoch <= ?", s.now().UnixMilli()).
		Delete(&draftRow{})
	return res.RowsAffected, res.Error
}
