package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/obralink/foreman/internal/arbiter"
	"github.com/obralink/foreman/internal/fsm"
	"github.com/obralink/foreman/internal/intent"
	"github.com/obralink/foreman/internal/sweep"
	"github.com/obralink/foreman/internal/userlock"
	"github.com/obralink/foreman/pkg/models"
)

// allowAll satisfies fsm.Authorizer and fsm.TaskAPI for wiring the engine
// over a real store.
type allowAll struct{}

func (allowAll) Authenticated(context.Context, string) (bool, error) { return true, nil }

func (allowAll) CanAccessTask(context.Context, string, string) (bool, error) { return true, nil }

func (allowAll) TaskExists(context.Context, string) (bool, error) { return true, nil }

func (allowAll) MarkComplete(context.Context, string) (bool, error) { return true, nil }

// StoreSuite runs against a real SQLite file in a temp directory.
type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	st, err := NewStore(Config{
		Path:     filepath.Join(s.T().TempDir(), "foreman.db"),
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.store = st
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	if s.store != nil {
		s.Require().NoError(s.store.Close())
	}
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

// backdate rewinds the store clock by d for the duration of fn.
func (s *StoreSuite) backdate(d time.Duration, fn func()) {
	s.store.now = func() time.Time { return time.Now().Add(-d) }
	defer func() { s.store.now = time.Now }()
	fn()
}

// TestSessionLifecycle walks a session from creation to completion.
func (s *StoreSuite) TestSessionLifecycle() {
	sess, err := s.store.CreateSession(s.ctx, "user-1", "update_progress")
	s.Require().NoError(err)
	s.Equal(models.StateTaskSelection, sess.State)
	s.NotEmpty(sess.ID)
	s.Greater(sess.ExpiresAtEpoch, sess.CreatedAtEpoch)

	live, err := s.store.LiveSessionForUser(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(live)
	s.Equal(sess.ID, live.ID)

	sess, err = s.store.BindTask(s.ctx, sess.ID, "task-9", "proj-2")
	s.Require().NoError(err)
	s.Equal("task-9", sess.TaskID.String)
	s.Equal("proj-2", sess.ProjectID.String)

	sess, err = s.store.CommitState(s.ctx, sess.ID, models.StateAwaitingAction, "")
	s.Require().NoError(err)
	s.Equal(models.StateAwaitingAction, sess.State)

	sess, err = s.store.IncrementCounter(s.ctx, sess.ID, "images_uploaded")
	s.Require().NoError(err)
	s.Equal(1, sess.ImagesUploaded)

	sess, err = s.store.CommitState(s.ctx, sess.ID, models.StateCompleted, models.ClosureCompleted)
	s.Require().NoError(err)
	s.Equal(models.StateCompleted, sess.State)
	s.True(sess.CompletedAtEpoch.Valid)
	s.Equal(string(models.ClosureCompleted), sess.ClosureReason.String)

	live, err = s.store.LiveSessionForUser(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Nil(live)
}

// TestLiveUniqueness checks a second live session is rejected until the first
// closes.
func (s *StoreSuite) TestLiveUniqueness() {
	first, err := s.store.CreateSession(s.ctx, "user-1", "update_progress")
	s.Require().NoError(err)

	_, err = s.store.CreateSession(s.ctx, "user-1", "report_incident")
	s.ErrorIs(err, models.ErrSessionConflict)

	_, err = s.store.CommitState(s.ctx, first.ID, models.StateAbandoned, models.ClosureCancelled)
	s.Require().NoError(err)

	second, err := s.store.CreateSession(s.ctx, "user-1", "report_incident")
	s.Require().NoError(err)
	s.NotEqual(first.ID, second.ID)
}

// TestConcurrentCreate races several creates for one user; exactly one may
// win.
func (s *StoreSuite) TestConcurrentCreate() {
	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.store.CreateSession(s.ctx, "user-1", "update_progress")
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrSessionConflict):
			conflicts++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, wins)
	s.Equal(attempts-1, conflicts)
}

// TestTerminalIsFinal checks a closed session is never re-mutated.
func (s *StoreSuite) TestTerminalIsFinal() {
	sess, err := s.store.CreateSession(s.ctx, "user-1", "update_progress")
	s.Require().NoError(err)
	_, err = s.store.CommitState(s.ctx, sess.ID, models.StateAbandoned, models.ClosureTimeout)
	s.Require().NoError(err)

	_, err = s.store.CommitState(s.ctx, sess.ID, models.StateAwaitingAction, "")
	s.ErrorIs(err, models.ErrSessionNotFound)
	_, err = s.store.IncrementCounter(s.ctx, sess.ID, "comments_added")
	s.ErrorIs(err, models.ErrSessionNotFound)
	_, err = s.store.TouchSession(s.ctx, sess.ID)
	s.ErrorIs(err, models.ErrSessionNotFound)

	closed, err := s.store.SessionByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.StateAbandoned, closed.State)
	s.Equal(string(models.ClosureTimeout), closed.ClosureReason.String)
}

// TestCommitRejectsUndefinedState guards against typo'd states reaching SQL.
func (s *StoreSuite) TestCommitRejectsUndefinedState() {
	sess, err := s.store.CreateSession(s.ctx, "user-1", "update_progress")
	s.Require().NoError(err)
	_, err = s.store.CommitState(s.ctx, sess.ID, "PAUSED", "")
	s.Error(err)
}

// TestIncrementCounterWhitelist rejects unknown counters and treats
// status_changed as a flag.
func (s *StoreSuite) TestIncrementCounterWhitelist() {
	sess, err := s.store.CreateSession(s.ctx, "user-1", "update_progress")
	s.Require().NoError(err)

	_, err = s.store.IncrementCounter(s.ctx, sess.ID, "rows_dropped")
	s.Error(err)

	sess, err = s.store.IncrementCounter(s.ctx, sess.ID, "status_changed")
	s.Require().NoError(err)
	s.True(sess.StatusChanged)
	sess, err = s.store.IncrementCounter(s.ctx, sess.ID, "status_changed")
	s.Require().NoError(err)
	s.True(sess.StatusChanged)

	sess, err = s.store.IncrementCounter(s.ctx, sess.ID, "comments_added")
	s.Require().NoError(err)
	sess, err = s.store.IncrementCounter(s.ctx, sess.ID, "comments_added")
	s.Require().NoError(err)
	s.Equal(2, sess.CommentsAdded)
}

// TestTouchSlidesWindow checks activity and expiry move forward together.
func (s *StoreSuite) TestTouchSlidesWindow() {
	var sess *models.Session
	var err error
	s.backdate(10*time.Minute, func() {
		sess, err = s.store.CreateSession(s.ctx, "user-1", "update_progress")
	})
	s.Require().NoError(err)

	touched, err := s.store.TouchSession(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Greater(touched.LastActivityAtEpoch, sess.LastActivityAtEpoch)
	s.Greater(touched.ExpiresAtEpoch, sess.ExpiresAtEpoch)
	s.Equal(sess.State, touched.State)
}

// TestDrafts covers save, recovery ordering, consumption, and purge.
func (s *StoreSuite) TestDrafts() {
	sess, err := s.store.CreateSession(s.ctx, "user-1", "update_progress")
	s.Require().NoError(err)
	sess, err = s.store.BindTask(s.ctx, sess.ID, "task-1", "proj-1")
	s.Require().NoError(err)
	sess.ImagesUploaded = 2

	older, err := s.store.SaveDraft(s.ctx, sess)
	s.Require().NoError(err)
	time.Sleep(5 * time.Millisecond)
	newer, err := s.store.SaveDraft(s.ctx, sess)
	s.Require().NoError(err)

	got, err := s.store.RecoverableDraft(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(newer.ID, got.ID)
	s.Equal(2, got.ImagesUploaded)
	s.Equal("task-1", got.TaskID.String)

	s.Require().NoError(s.store.ConsumeDraft(s.ctx, newer.ID))
	s.Error(s.store.ConsumeDraft(s.ctx, newer.ID))

	got, err = s.store.RecoverableDraft(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(older.ID, got.ID)

	// Jump the clock past the recovery window; the remaining draft expires.
	s.store.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	defer func() { s.store.now = time.Now }()

	got, err = s.store.RecoverableDraft(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Nil(got)

	purged, err := s.store.PurgeExpiredDrafts(s.ctx)
	s.Require().NoError(err)
	s.EqualValues(2, purged)
}

// TestTransitionRecords checks append-only history comes back oldest first.
func (s *StoreSuite) TestTransitionRecords() {
	sess, err := s.store.CreateSession(s.ctx, "user-1", "update_progress")
	s.Require().NoError(err)

	first := models.NewTransitionRecord(sess.ID, "user-1", models.StateIdle, models.StateTaskSelection, "update_requested", nil)
	s.Require().NoError(s.store.AppendRecord(s.ctx, first))
	s.NotZero(first.ID)

	second := models.NewTransitionRecord(sess.ID, "user-1", models.StateTaskSelection, models.StateAwaitingAction, "task_selected", models.JSONMetadata{"task_id": "task-1"})
	second.OccurredAtEpoch = first.OccurredAtEpoch + 1
	s.Require().NoError(s.store.AppendRecord(s.ctx, second))

	records, err := s.store.RecordsForSession(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Equal("update_requested", records[0].Trigger)
	s.Equal("task_selected", records[1].Trigger)
	s.Equal("task-1", records[1].Metadata["task_id"])
}

// TestExpirationCandidates checks the 30/60-minute tiers and the reminder
// bookmark.
func (s *StoreSuite) TestExpirationCandidates() {
	var idle *models.Session
	var err error
	s.backdate(45*time.Minute, func() {
		idle, err = s.store.CreateSession(s.ctx, "user-idle", "update_progress")
	})
	s.Require().NoError(err)
	_, err = s.store.CreateSession(s.ctx, "user-fresh", "update_progress")
	s.Require().NoError(err)

	reminders, err := s.store.ReminderCandidates(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(reminders, 1)
	s.Equal(idle.ID, reminders[0].ID)

	abandons, err := s.store.AbandonCandidates(s.ctx)
	s.Require().NoError(err)
	s.Empty(abandons)

	s.Require().NoError(s.store.MarkReminderSent(s.ctx, idle.ID))
	reminders, err = s.store.ReminderCandidates(s.ctx)
	s.Require().NoError(err)
	s.Empty(reminders)

	// Past the second tier the session becomes an abandon candidate.
	s.store.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	defer func() { s.store.now = time.Now }()

	abandons, err = s.store.AbandonCandidates(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(abandons, 1)
	s.Equal(idle.ID, abandons[0].ID)
}

// TestRecentClosedSession checks closures age out of the historical window.
func (s *StoreSuite) TestRecentClosedSession() {
	recent, err := s.store.RecentClosedSession(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Nil(recent)

	sess, err := s.store.CreateSession(s.ctx, "user-1", "update_progress")
	s.Require().NoError(err)
	_, err = s.store.CommitState(s.ctx, sess.ID, models.StateAbandoned, models.ClosureCancelled)
	s.Require().NoError(err)

	recent, err = s.store.RecentClosedSession(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(recent)
	s.Equal(sess.ID, recent.ID)

	// Past the historical tier the closure is no longer surfaced.
	s.store.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	defer func() { s.store.now = time.Now }()

	recent, err = s.store.RecentClosedSession(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Nil(recent)
}

// TestSweepAbandonsIdleSession drives the full stack: a session idle past the
// abandon tier is closed along legal edges with a recoverable draft.
func (s *StoreSuite) TestSweepAbandonsIdleSession() {
	var sess *models.Session
	var err error
	s.backdate(2*time.Hour, func() {
		sess, err = s.store.CreateSession(s.ctx, "user-1", "update_progress")
		s.Require().NoError(err)
		sess, err = s.store.BindTask(s.ctx, sess.ID, "task-1", "proj-1")
		s.Require().NoError(err)
		sess, err = s.store.CommitState(s.ctx, sess.ID, models.StateAwaitingAction, "")
		s.Require().NoError(err)
		_, err = s.store.IncrementCounter(s.ctx, sess.ID, "images_uploaded")
		s.Require().NoError(err)
	})

	registry := intent.Default()
	engine := fsm.NewEngine(s.store, allowAll{}, allowAll{}, fsm.Options{})
	locks := userlock.New(time.Second)
	processor := arbiter.NewProcessor(s.store, engine, arbiter.NewAdjuster(nil), arbiter.NewResolver(registry), registry, locks, nil)
	sweeper := sweep.New(s.store, processor, locks, nil, nil, time.Minute)

	sweeper.Sweep(s.ctx)

	closed, err := s.store.SessionByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.StateAbandoned, closed.State)
	s.Equal(string(models.ClosureTimeout), closed.ClosureReason.String)

	draft, err := s.store.RecoverableDraft(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(draft)
	s.Equal("task-1", draft.TaskID.String)
	s.Equal(1, draft.ImagesUploaded)

	// A second pass finds nothing to do.
	sweeper.Sweep(s.ctx)
	live, err := s.store.LiveSessionForUser(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Nil(live)
}
