package fsm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obralink/foreman/pkg/models"
)

// Store is the persistence surface the engine mutates sessions through. The
// engine never touches storage directly beyond these calls; the store is the
// single writer for Session and Draft records.
type Store interface {
	// LiveSessionForUser returns the user's non-terminal session, or nil.
	LiveSessionForUser(ctx context.Context, userID string) (*models.Session, error)
	// CreateSession inserts a new session in TASK_SELECTION. Returns
	// models.ErrSessionConflict if the user already has a live session.
	CreateSession(ctx context.Context, userID, intent string) (*models.Session, error)
	// CommitState moves a session to a new state, updating activity and
	// expiry timestamps, and closure metadata on terminal states.
	CommitState(ctx context.Context, sessionID string, to models.SessionState, closure models.ClosureReason) (*models.Session, error)
	// BindTask attaches task and project ids to a session.
	BindTask(ctx context.Context, sessionID, taskID, projectID string) (*models.Session, error)
	// IncrementCounter bumps one of the session's update counters.
	IncrementCounter(ctx context.Context, sessionID, counter string) (*models.Session, error)
	// SaveDraft snapshots a session into a recoverable draft.
	SaveDraft(ctx context.Context, sess *models.Session) (*models.Draft, error)
	// AppendRecord appends an audit record for an executed transition.
	AppendRecord(ctx context.Context, rec *models.TransitionRecord) error
}

// Authorizer answers identity and permission questions. External collaborator;
// tests use fakes.
type Authorizer interface {
	Authenticated(ctx context.Context, userID string) (bool, error)
	CanAccessTask(ctx context.Context, userID, taskID string) (bool, error)
}

// TaskAPI is the external project-management system.
type TaskAPI interface {
	TaskExists(ctx context.Context, taskID string) (bool, error)
	MarkComplete(ctx context.Context, taskID string) (bool, error)
}

// ActionSink persists domain actions (photos, comments) to the external data
// store. Best-effort from the engine's point of view.
type ActionSink interface {
	PersistAction(ctx context.Context, sess *models.Session, trigger Trigger, meta models.JSONMetadata) error
}

// Notifier receives transition events for instrumentation fan-out.
type Notifier interface {
	TransitionExecuted(ctx context.Context, rec *models.TransitionRecord) error
	SessionClosed(ctx context.Context, sess *models.Session) error
}

// Recorder counts engine outcomes. Satisfied by internal/metrics.
type Recorder interface {
	RecordTransition(ctx context.Context, from, to models.SessionState, trigger string)
	RecordRejection(ctx context.Context, kind string)
}

// Request describes one requested transition.
type Request struct {
	// Session is the current snapshot, or nil when transitioning from IDLE.
	Session *models.Session
	UserID  string
	To      models.SessionState
	Trigger Trigger
	// TaskID and ProjectID are consumed by task_selected transitions.
	TaskID    string
	ProjectID string
	// Intent is the candidate intent opening or driving the session.
	Intent   string
	Metadata models.JSONMetadata
}

// From derives the source state: the session's state, or IDLE without one.
func (r *Request) From() models.SessionState {
	if r.Session == nil {
		return models.StateIdle
	}
	return r.Session.State
}

// Result is the outcome of a committed transition.
type Result struct {
	Session *models.Session
	From    models.SessionState
	To      models.SessionState
	Trigger Trigger
	// Prompt is an optional caller-facing hint produced by side effects
	// (e.g. "next_action" after an action was persisted).
	Prompt string
	// Summary is populated by prepare_summary for the confirmation step.
	Summary *models.JSONMetadata
	// Draft is the snapshot saved by save_draft, if any.
	Draft *models.Draft
}

// ValidatorFunc checks one named precondition before a transition commits.
type ValidatorFunc func(ctx context.Context, req *Request) error

// EffectFunc runs one named side effect after a transition commits. Failures
// are logged, never propagated: side effects are derived-state updates and
// instrumentation, not the source of truth.
type EffectFunc func(ctx context.Context, req *Request, res *Result) error

// Engine validates and executes transitions. It holds no per-session state
// and is safely shared across all sessions.
type Engine struct {
	store      Store
	auth       Authorizer
	tasks      TaskAPI
	actions    ActionSink
	notifier   Notifier
	recorder   Recorder
	timeout    time.Duration
	validators map[string]ValidatorFunc
	effects    map[string]EffectFunc
}

// Options configures optional engine collaborators.
type Options struct {
	Actions  ActionSink
	Notifier Notifier
	Recorder Recorder
	// StoreTimeout bounds each persistence call. Defaults to 5s.
	StoreTimeout time.Duration
}

// NewEngine creates an engine wired to its collaborators and registers the
// built-in validators and side effects.
func NewEngine(store Store, auth Authorizer, tasks TaskAPI, opts Options) *Engine {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	e := &Engine{
		store:      store,
		auth:       auth,
		tasks:      tasks,
		actions:    opts.Actions,
		notifier:   opts.Notifier,
		recorder:   opts.Recorder,
		timeout:    opts.StoreTimeout,
		validators: make(map[string]ValidatorFunc),
		effects:    make(map[string]EffectFunc),
	}
	e.registerBuiltins()
	return e
}

// RegisterValidator installs or replaces a named validator.
func (e *Engine) RegisterValidator(name string, fn ValidatorFunc) {
	e.validators[name] = fn
}

// RegisterEffect installs or replaces a named side effect.
func (e *Engine) RegisterEffect(name string, fn EffectFunc) {
	e.effects[name] = fn
}

// ExecuteTransition is the only entry point that mutates a session. A
// transition either fully commits or is rejected before any mutation; there
// is no partial application.
func (e *Engine) ExecuteTransition(ctx context.Context, req *Request) (*Result, error) {
	from := req.From()

	// 1. Reject illegal edges. Hard invariant: the table is never guessed at.
	rule, ok := RuleFor(from, req.To, req.Trigger)
	if !ok {
		err := &models.TransitionError{From: from, To: req.To, Trigger: string(req.Trigger)}
		log.Error().
			Str("from", string(from)).
			Str("to", string(req.To)).
			Str("trigger", string(req.Trigger)).
			Str("user", req.UserID).
			Msg("Illegal transition requested")
		if e.recorder != nil {
			e.recorder.RecordRejection(ctx, "transition_error")
		}
		return nil, err
	}

	// 2. Run validators in declared order, short-circuiting on the first
	// failure. No mutation has happened yet.
	for _, name := range rule.Validators {
		fn, registered := e.validators[name]
		if !registered {
			// Table naming an unregistered validator is a wiring bug.
			return nil, &models.ValidationError{Validator: name, Reason: "validator not registered"}
		}
		if err := fn(ctx, req); err != nil {
			if e.recorder != nil {
				e.recorder.RecordRejection(ctx, "validation_error")
			}
			return nil, err
		}
	}

	// 3. Commit the new state. Fatal on failure: abort, no side effects.
	commitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var sess *models.Session
	var err error
	if from == models.StateIdle {
		sess, err = e.store.CreateSession(commitCtx, req.UserID, req.Intent)
	} else {
		sess, err = e.store.CommitState(commitCtx, req.Session.ID, req.To, closureFor(req.To, req.Trigger))
	}
	if err != nil {
		return nil, err
	}

	res := &Result{
		Session: sess,
		From:    from,
		To:      req.To,
		Trigger: req.Trigger,
	}

	// 4. Run side effects in declared order. Best-effort: log and continue.
	for _, name := range rule.Effects {
		fn, registered := e.effects[name]
		if !registered {
			log.Warn().Str("effect", name).Msg("Side effect not registered, skipping")
			continue
		}
		if err := fn(ctx, req, res); err != nil {
			failure := &models.SideEffectFailure{Effect: name, Err: err}
			log.Warn().Err(failure).
				Str("session", sess.ID).
				Str("trigger", string(req.Trigger)).
				Msg("Side effect failed, transition remains committed")
		}
	}

	// 5. Append the audit record. Observability only: a failure here is loud
	// but does not unwind the committed transition.
	rec := models.NewTransitionRecord(sess.ID, req.UserID, from, req.To, string(req.Trigger), req.Metadata)
	recCtx, recCancel := context.WithTimeout(ctx, e.timeout)
	defer recCancel()
	if err := e.store.AppendRecord(recCtx, rec); err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("Failed to append transition record")
	} else if e.notifier != nil {
		if err := e.notifier.TransitionExecuted(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("Transition notification failed")
		}
	}

	if e.recorder != nil {
		e.recorder.RecordTransition(ctx, from, req.To, string(req.Trigger))
	}

	log.Info().
		Str("session", sess.ID).
		Str("user", req.UserID).
		Str("from", string(from)).
		Str("to", string(req.To)).
		Str("trigger", string(req.Trigger)).
		Msg("Transition committed")

	return res, nil
}
