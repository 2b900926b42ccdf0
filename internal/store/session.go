package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/obralink/foreman/pkg/models"
)

// terminalStates is used in WHERE clauses filtering live sessions.
var terminalStates = []string{string(models.StateCompleted), string(models.StateAbandoned)}

// LiveSessionForUser returns the user's non-terminal session, or nil.
func (s *Store) LiveSessionForUser(ctx context.Context, userID string) (*models.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND state NOT IN ?", userID, terminalStates).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// SessionByID retrieves a session by id, nil when absent.
func (s *Store) SessionByID(ctx context.Context, sessionID string) (*models.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// CreateSession inserts a new session in TASK_SELECTION. The partial unique
// index makes concurrent creates race safely: exactly one wins, the rest get
// models.ErrSessionConflict. Never silently overwrites.
func (s *Store) CreateSession(ctx context.Context, userID, intent string) (*models.Session, error) {
	now := s.now()
	row := sessionRow{
		ID:                  uuid.NewString(),
		UserID:              userID,
		Intent:              intent,
		State:               string(models.StateTaskSelection),
		CreatedAt:           now.Format(time.RFC3339),
		CreatedAtEpoch:      now.UnixMilli(),
		LastActivityAt:      now.Format(time.RFC3339),
		LastActivityAtEpoch: now.UnixMilli(),
		ExpiresAtEpoch:      now.Add(s.abandonAfter).UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrSessionConflict
		}
		return nil, err
	}
	return row.toModel(), nil
}

// CommitState moves a live session to a new state, sliding the activity and
// expiry window. Terminal targets also record closure metadata. The WHERE
// clause on non-terminal state is the last line of defense for idempotent
// terminality: a closed session is never re-mutated.
func (s *Store) CommitState(ctx context.Context, sessionID string, to models.SessionState, closure models.ClosureReason) (*models.Session, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("commit to undefined state %q", to)
	}
	now := s.now()
	updates := map[string]any{
		"state":                  string(to),
		"last_activity_at":       now.Format(time.RFC3339),
		"last_activity_at_epoch": now.UnixMilli(),
		"expires_at_epoch":       now.Add(s.abandonAfter).UnixMilli(),
	}
	if to.Terminal() {
		updates["completed_at"] = sql.NullString{String: now.Format(time.RFC3339), Valid: true}
		updates["completed_at_epoch"] = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
		updates["closure_reason"] = sql.NullString{String: string(closure), Valid: true}
	}

	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ? AND state NOT IN ?", sessionID, terminalStates).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.ErrSessionNotFound
	}
	return s.SessionByID(ctx, sessionID)
}

// BindTask attaches a chosen task and project to a session.
func (s *Store) BindTask(ctx context.Context, sessionID, taskID, projectID string) (*models.Session, error) {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ? AND state NOT IN ?", sessionID, terminalStates).
		Updates(map[string]any{
			"task_id":    sql.NullString{String: taskID, Valid: taskID != ""},
			"project_id": sql.NullString{String: projectID, Valid: projectID != ""},
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.ErrSessionNotFound
	}
	return s.SessionByID(ctx, sessionID)
}

// counterColumns whitelists the counters IncrementCounter may touch.
var counterColumns = map[string]bool{
	"images_uploaded": true,
	"comments_added":  true,
	"status_changed":  true,
}

// IncrementCounter bumps one of the session's update counters.
// status_changed is a flag, not a count, and is simply set.
func (s *Store) IncrementCounter(ctx context.Context, sessionID, counter string) (*models.Session, error) {
	if !counterColumns[counter] {
		return nil, fmt.Errorf("unknown counter %q", counter)
	}

	q := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ? AND state NOT IN ?", sessionID, terminalStates)
	var res *gorm.DB
	if counter == "status_changed" {
		res = q.Update(counter, true)
	} else {
		res = q.Update(counter, gorm.Expr(counter+" + 1"))
	}
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.ErrSessionNotFound
	}
	return s.SessionByID(ctx, sessionID)
}

// TouchSession slides the activity and expiry window without changing state.
// Called on every accepted action that continues the current flow.
func (s *Store) TouchSession(ctx context.Context, sessionID string) (*models.Session, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ? AND state NOT IN ?", sessionID, terminalStates).
		Updates(map[string]any{
			"last_activity_at":       now.Format(time.RFC3339),
			"last_activity_at_epoch": now.UnixMilli(),
			"expires_at_epoch":       now.Add(s.abandonAfter).UnixMilli(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.ErrSessionNotFound
	}
	return s.SessionByID(ctx, sessionID)
}

// ReminderCandidates lists live sessions idle past the reminder tier that
// have not yet been reminded. Surfacing the reminder is the caller's job;
// the session itself stays untouched apart from the reminder bookmark.
func (s *Store) ReminderCandidates(ctx context.Context) ([]*models.Session, error) {
	cutoff := s.now().Add(-s.reminderAfter).UnixMilli()
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("state NOT IN ? AND last_activity_at_epoch <= ? AND reminder_sent_at_epoch IS NULL", terminalStates, cutoff).
		Order("last_activity_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sessions := make([]*models.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toModel())
	}
	return sessions, nil
}

// MarkReminderSent bookmarks that the idle reminder went out.
func (s *Store) MarkReminderSent(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ?", sessionID).
		Update("reminder_sent_at_epoch", sql.NullInt64{Int64: s.now().UnixMilli(), Valid: true}).Error
}

// RecentClosedSession returns the user's most recently closed session, but
// only within the historical window; older closures are history and no longer
// surfaced in recovery flows.
func (s *Store) RecentClosedSession(ctx context.Context, userID string) (*models.Session, error) {
	cutoff := s.now().Add(-s.historicalAfter).UnixMilli()
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND state IN ? AND completed_at_epoch >= ?", userID, terminalStates, cutoff).
		Order("completed_at_epoch DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// AbandonCandidates lists live sessions idle past the abandon tier.
func (s *Store) AbandonCandidates(ctx context.Context) ([]*models.Session, error) {
	cutoff := s.now().Add(-s.abandonAfter).UnixMilli()
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("state NOT IN ? AND last_activity_at_epoch <= ?", terminalStates, cutoff).
		Order("last_activity_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sessions := make([]*models.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toModel())
	}
	return sessions, nil
}
