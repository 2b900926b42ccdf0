package store

import (
	"context"

	"github.com/obralink/foreman/pkg/models"
)

// AppendRecord appends one transition audit record. Records are append-only:
// nothing in the store ever updates or deletes them.
func (s *Store) AppendRecord(ctx context.Context, rec *models.TransitionRecord) error {
	row := transitionRow{
		SessionID:       rec.SessionID,
		UserID:          rec.UserID,
		FromState:       string(rec.FromState),
		ToState:         string(rec.ToState),
		Trigger:         rec.Trigger,
		Metadata:        rec.Metadata,
		OccurredAt:      rec.OccurredAt,
		OccurredAtEpoch: rec.OccurredAtEpoch,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	rec.ID = row.ID
	return nil
}

// RecordsForSession returns a session's transition history, oldest first.
func (s *Store) RecordsForSession(ctx context.Context, sessionID string) ([]*models.TransitionRecord, error) {
	var rows []transitionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("occurred_at_epoch ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]*models.TransitionRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toModel())
	}
	return records, nil
}
