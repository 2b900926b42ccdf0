package arbiter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/obralink/foreman/internal/fsm"
	"github.com/obralink/foreman/internal/intent"
	"github.com/obralink/foreman/internal/userlock"
	"github.com/obralink/foreman/pkg/models"
)

// fakeStore implements fsm.Store and SessionReader in memory.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	drafts   map[string]*models.Draft
	records  []*models.TransitionRecord
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*models.Session),
		drafts:   make(map[string]*models.Draft),
	}
}

func (f *fakeStore) LiveSessionForUser(_ context.Context, userID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && s.Active() {
			c := *s
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SessionByID(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (f *fakeStore) CreateSession(_ context.Context, userID, intentName string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && s.Active() {
			return nil, models.ErrSessionConflict
		}
	}
	f.nextID++
	now := time.Now()
	s := &models.Session{
		ID:                  fmt.Sprintf("sess-%d", f.nextID),
		UserID:              userID,
		Intent:              intentName,
		State:               models.StateTaskSelection,
		CreatedAt:           now.Format(time.RFC3339),
		CreatedAtEpoch:      now.UnixMilli(),
		LastActivityAt:      now.Format(time.RFC3339),
		LastActivityAtEpoch: now.UnixMilli(),
		ExpiresAtEpoch:      now.Add(time.Hour).UnixMilli(),
	}
	f.sessions[s.ID] = s
	c := *s
	return &c, nil
}

func (f *fakeStore) CommitState(_ context.Context, id string, to models.SessionState, closure models.ClosureReason) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.Active() {
		return nil, models.ErrSessionNotFound
	}
	now := time.Now()
	s.State = to
	s.LastActivityAtEpoch = now.UnixMilli()
	if to.Terminal() {
		s.ClosureReason = sql.NullString{String: string(closure), Valid: true}
	}
	c := *s
	return &c, nil
}

func (f *fakeStore) BindTask(_ context.Context, id, taskID, projectID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	s.TaskID = sql.NullString{String: taskID, Valid: taskID != ""}
	s.ProjectID = sql.NullString{String: projectID, Valid: projectID != ""}
	c := *s
	return &c, nil
}

func (f *fakeStore) IncrementCounter(_ context.Context, id, counter string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	switch counter {
	case "images_uploaded":
		s.ImagesUploaded++
	case "comments_added":
		s.CommentsAdded++
	default:
		s.StatusChanged = true
	}
	c := *s
	return &c, nil
}

func (f *fakeStore) SaveDraft(_ context.Context, sess *models.Session) (*models.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := models.NewDraft(fmt.Sprintf("draft-%d", len(f.drafts)+1), sess, 24*time.Hour)
	f.drafts[d.ID] = d
	return d, nil
}

func (f *fakeStore) RecoverableDraft(_ context.Context, userID string) (*models.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Draft
	for _, d := range f.drafts {
		if d.UserID == userID && d.Recoverable(time.Now()) {
			if latest == nil || d.CreatedAtEpoch > latest.CreatedAtEpoch {
				latest = d
			}
		}
	}
	return latest, nil
}

func (f *fakeStore) TouchSession(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.Active() {
		return nil, models.ErrSessionNotFound
	}
	s.LastActivityAtEpoch = time.Now().UnixMilli()
	c := *s
	return &c, nil
}

func (f *fakeStore) AppendRecord(_ context.Context, rec *models.TransitionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return nil
}

// allowAll satisfies fsm.Authorizer and fsm.TaskAPI.
type allowAll struct{}

func (allowAll) Authenticated(context.Context, string) (bool, error) { return true, nil }

func (allowAll) CanAccessTask(context.Context, string, string) (bool, error) { return true, nil }

func (allowAll) TaskExists(context.Context, string) (bool, error) { return true, nil }

func (allowAll) MarkComplete(context.Context, string) (bool, error) { return true, nil }

// ProcessorSuite exercises the full arbitration cycle over an in-memory
// store.
type ProcessorSuite struct {
	suite.Suite
	store     *fakeStore
	locks     *userlock.Locks
	processor *Processor
}

func (s *ProcessorSuite) SetupTest() {
	s.store = newFakeStore()
	s.locks = userlock.New(200 * time.Millisecond)
	registry := intent.Default()
	engine := fsm.NewEngine(s.store, allowAll{}, allowAll{}, fsm.Options{})
	s.processor = NewProcessor(s.store, engine, NewAdjuster(nil), NewResolver(registry), registry, s.locks, nil)
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

// seedSession puts a session in AWAITING_ACTION with a bound task.
func (s *ProcessorSuite) seedSession(userID, intentName string) *models.Session {
	sess, err := s.store.CreateSession(context.Background(), userID, intentName)
	s.Require().NoError(err)
	sess, err = s.store.BindTask(context.Background(), sess.ID, "task-1", "proj-1")
	s.Require().NoError(err)
	sess, err = s.store.CommitState(context.Background(), sess.ID, models.StateAwaitingAction, "")
	s.Require().NoError(err)
	return sess
}

// TestExecuteOpensSession checks a stateful intent without a session opens
// the workflow.
func (s *ProcessorSuite) TestExecuteOpensSession() {
	d, err := s.processor.Arbitrate(context.Background(), &Message{
		UserID:     "user-1",
		Intent:     "update_progress",
		Confidence: 0.9,
		Text:       "I want to update the drywall task",
	})
	s.Require().NoError(err)
	s.Equal(models.ActionExecute, d.Action)
	s.Equal(models.StateTaskSelection, d.SessionStateAfter)
	s.NotEmpty(d.SessionID)
}

// TestExecuteSurfacesDraft checks unfinished work is offered when a new
// session opens.
func (s *ProcessorSuite) TestExecuteSurfacesDraft() {
	old := s.seedSession("user-1", "update_progress")
	_, err := s.processor.Abandon(context.Background(), old, TimeoutTrigger)
	s.Require().NoError(err)

	d, err := s.processor.Arbitrate(context.Background(), &Message{
		UserID:     "user-1",
		Intent:     "update_progress",
		Confidence: 0.9,
		Text:       "update the wiring task please",
	})
	s.Require().NoError(err)
	s.Require().NotNil(d.DraftNotice)
	s.Equal("task-1", d.DraftNotice.TaskID.String)
}

// TestInformationalDoesNotTouchSession checks an inline answer leaves the
// live session exactly as it was.
func (s *ProcessorSuite) TestInformationalDoesNotTouchSession() {
	sess := s.seedSession("user-1", "update_progress")
	before, err := s.store.SessionByID(context.Background(), sess.ID)
	s.Require().NoError(err)

	d, err := s.processor.Arbitrate(context.Background(), &Message{
		UserID:     "user-1",
		Intent:     "query_status",
		Confidence: 0.8,
		Text:       "what tasks are assigned to me today",
	})
	s.Require().NoError(err)
	s.Equal(models.ActionInline, d.Action)
	s.True(d.SessionReminder)

	after, err := s.store.SessionByID(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(before, after)
}

// TestSystemOverrideClosesWithDraft checks a P0 intent force-closes the
// session and saves a draft, even at confidence zero.
func (s *ProcessorSuite) TestSystemOverrideClosesWithDraft() {
	sess := s.seedSession("user-1", "update_progress")
	_, err := s.store.IncrementCounter(context.Background(), sess.ID, "images_uploaded")
	s.Require().NoError(err)

	d, err := s.processor.Arbitrate(context.Background(), &Message{
		UserID:     "user-1",
		Intent:     "escalate",
		Confidence: 0.0,
		Text:       "get me a supervisor now",
	})
	s.Require().NoError(err)
	s.Equal(models.ActionOverride, d.Action)
	s.Equal(models.StateAbandoned, d.SessionStateAfter)
	s.Require().NotNil(d.DraftNotice)

	closed, err := s.store.SessionByID(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(models.StateAbandoned, closed.State)
}

// TestStatefulConflictClarifiesWithoutMutation checks the P2-vs-P2 conflict
// presents two options and leaves the session alone.
func (s *ProcessorSuite) TestStatefulConflictClarifiesWithoutMutation() {
	sess := s.seedSession("user-1", "update_progress")

	d, err := s.processor.Arbitrate(context.Background(), &Message{
		UserID:     "user-1",
		Intent:     "report_incident",
		Confidence: 0.85,
		Text:       "someone got hurt near the crane",
	})
	s.Require().NoError(err)
	s.Equal(models.ActionClarify, d.Action)
	s.Require().NotNil(d.Clarification)
	s.Len(d.Clarification.Options, 2)

	still, err := s.store.SessionByID(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(models.StateAwaitingAction, still.State)
}

// TestBusyUser checks the bounded lock turns contention into ErrUserBusy
// instead of blocking.
func (s *ProcessorSuite) TestBusyUser() {
	release, err := s.locks.Acquire(context.Background(), "user-1")
	s.Require().NoError(err)
	defer release()

	_, err = s.processor.Arbitrate(context.Background(), &Message{
		UserID:     "user-1",
		Intent:     "update_progress",
		Confidence: 0.9,
		Text:       "update the task",
	})
	s.ErrorIs(err, models.ErrUserBusy)
}

// TestOverrideFromConfirmationPending checks overrides walk legal edges from
// states with no direct abandon transition.
func (s *ProcessorSuite) TestOverrideFromConfirmationPending() {
	sess := s.seedSession("user-1", "update_progress")
	_, err := s.store.IncrementCounter(context.Background(), sess.ID, "comments_added")
	s.Require().NoError(err)
	_, err = s.store.CommitState(context.Background(), sess.ID, models.StateConfirmationPending, "")
	s.Require().NoError(err)

	d, err := s.processor.Arbitrate(context.Background(), &Message{
		UserID:     "user-1",
		Intent:     "escalate",
		Confidence: 0.7,
		Text:       "emergency, stop everything",
	})
	s.Require().NoError(err)
	s.Equal(models.StateAbandoned, d.SessionStateAfter)
}

// TestTransitionUnknownSession checks the explicit transition surface 404s
// on unknown sessions.
func (s *ProcessorSuite) TestTransitionUnknownSession() {
	_, err := s.processor.Transition(context.Background(), "missing", models.StateAwaitingAction, fsm.TriggerTaskSelected, "t", "p", nil)
	s.ErrorIs(err, models.ErrSessionNotFound)
}
