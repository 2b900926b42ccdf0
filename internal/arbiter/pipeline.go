package arbiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/obralink/foreman/internal/fsm"
	"github.com/obralink/foreman/internal/intent"
	"github.com/obralink/foreman/internal/userlock"
	"github.com/obralink/foreman/pkg/models"
)

// SessionReader is the read/touch surface the pipeline needs from the store.
type SessionReader interface {
	LiveSessionForUser(ctx context.Context, userID string) (*models.Session, error)
	SessionByID(ctx context.Context, sessionID string) (*models.Session, error)
	RecoverableDraft(ctx context.Context, userID string) (*models.Draft, error)
	TouchSession(ctx context.Context, sessionID string) (*models.Session, error)
}

// Recorder counts arbitration outcomes. Satisfied by internal/metrics.
type Recorder interface {
	RecordResolution(ctx context.Context, action string)
}

// Message is one classified inbound message.
type Message struct {
	UserID     string
	Intent     string
	Confidence float64
	Text       string
	// LastPromptWasQuestion is set when the preceding outbound message was
	// phrased as a question or prompt.
	LastPromptWasQuestion bool
	Metadata              models.JSONMetadata
}

// Directive is what the caller should do with the message.
type Directive struct {
	Action             models.ResolutionAction `json:"action"`
	Clarification      *models.Clarification   `json:"clarification,omitempty"`
	SessionStateAfter  models.SessionState     `json:"session_state_after"`
	SessionID          string                  `json:"session_id,omitempty"`
	AdjustedConfidence float64                 `json:"adjusted_confidence"`
	Factors            []Factor                `json:"factors,omitempty"`
	// SessionReminder asks the caller to append a one-line note that the
	// session is still open.
	SessionReminder bool `json:"session_reminder,omitempty"`
	// DraftNotice is the user's recoverable unfinished work, surfaced when a
	// new session opens.
	DraftNotice *models.Draft `json:"draft_notice,omitempty"`
	// Prompt is an optional next-step hint from transition side effects.
	Prompt string `json:"prompt,omitempty"`
}

// Processor runs the full arbitration cycle for one inbound message under
// the owning user's lock: snapshot, confidence adjustment, conflict
// resolution, and any resulting FSM transitions.
type Processor struct {
	store    SessionReader
	engine   *fsm.Engine
	adjuster *Adjuster
	resolver *Resolver
	registry *intent.Registry
	locks    *userlock.Locks
	recorder Recorder
}

// NewProcessor wires the arbitration pipeline.
func NewProcessor(store SessionReader, engine *fsm.Engine, adjuster *Adjuster, resolver *Resolver, registry *intent.Registry, locks *userlock.Locks, recorder Recorder) *Processor {
	return &Processor{
		store:    store,
		engine:   engine,
		adjuster: adjuster,
		resolver: resolver,
		registry: registry,
		locks:    locks,
		recorder: recorder,
	}
}

// Arbitrate processes one message end to end. It holds the user's lock for
// the whole arbitration+transition cycle; no state survives the call except
// what was committed through the store.
func (p *Processor) Arbitrate(ctx context.Context, msg *Message) (*Directive, error) {
	release, err := p.locks.Acquire(ctx, msg.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := p.store.LiveSessionForUser(ctx, msg.UserID)
	if err != nil {
		return nil, err
	}

	fc := p.buildContext(msg, sess)
	adjusted, factors := p.adjuster.Adjust(fc)
	fc.AdjustedConfidence = adjusted

	resolution := p.resolver.Resolve(fc)
	p.logDecision(fc, factors, resolution)
	if p.recorder != nil {
		p.recorder.RecordResolution(ctx, string(resolution.Action))
	}

	directive := &Directive{
		Action:             resolution.Action,
		Clarification:      resolution.Clarification,
		SessionStateAfter:  fc.State,
		SessionID:          fc.SessionID,
		AdjustedConfidence: adjusted,
		Factors:            factors,
		SessionReminder:    resolution.SessionReminder,
	}

	switch resolution.Action {
	case models.ActionExecute:
		if err := p.applyExecute(ctx, msg, sess, directive); err != nil {
			return nil, err
		}
	case models.ActionOverride:
		if err := p.applyOverride(ctx, msg, sess, directive); err != nil {
			return nil, err
		}
	case models.ActionClarify, models.ActionInline:
		// Session untouched until the user answers, or at all.
	}

	return directive, nil
}

// Transition exposes a single validated transition for a known session,
// serialized under the owning user's lock.
func (p *Processor) Transition(ctx context.Context, sessionID string, to models.SessionState, trigger fsm.Trigger, taskID, projectID string, meta models.JSONMetadata) (*fsm.Result, error) {
	sess, err := p.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, models.ErrSessionNotFound
	}

	release, err := p.locks.Acquire(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock; a racing message may have moved the session.
	sess, err = p.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, models.ErrSessionNotFound
	}

	return p.engine.ExecuteTransition(ctx, &fsm.Request{
		Session:   sess,
		UserID:    sess.UserID,
		To:        to,
		Trigger:   trigger,
		TaskID:    taskID,
		ProjectID: projectID,
		Intent:    sess.Intent,
		Metadata:  meta,
	})
}

// buildContext constructs the ephemeral per-message FSM context.
func (p *Processor) buildContext(msg *Message, sess *models.Session) *models.FSMContext {
	fc := &models.FSMContext{
		UserID:                msg.UserID,
		State:                 models.StateIdle,
		CandidateIntent:       msg.Intent,
		Text:                  msg.Text,
		RawConfidence:         msg.Confidence,
		LastPromptWasQuestion: msg.LastPromptWasQuestion,
	}
	if sess != nil {
		fc.State = sess.State
		fc.SessionID = sess.ID
		fc.SessionIntent = sess.Intent
		fc.TaskID = sess.TaskID.String
		fc.ProjectID = sess.ProjectID.String
	}
	return fc
}

// applyExecute either opens a new workflow session or continues the existing
// one, depending on the snapshot.
func (p *Processor) applyExecute(ctx context.Context, msg *Message, sess *models.Session, directive *Directive) error {
	if sess != nil {
		// Same stateful flow: slide the expiry window and carry on.
		touched, err := p.store.TouchSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		directive.SessionStateAfter = touched.State
		return nil
	}

	// No live session. Only stateful intents open a workflow session;
	// everything else executes without one.
	if p.registry.Lookup(msg.Intent).Tier != intent.TierStateful {
		return nil
	}

	res, err := p.engine.ExecuteTransition(ctx, &fsm.Request{
		UserID:   msg.UserID,
		To:       models.StateTaskSelection,
		Trigger:  fsm.TriggerUpdateRequested,
		Intent:   msg.Intent,
		Metadata: msg.Metadata,
	})
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			// Expected failures become a choice, never a raw error.
			directive.Action = models.ActionClarify
			directive.Clarification = rejectionChoice(verr)
			return nil
		}
		return err
	}

	directive.SessionStateAfter = res.Session.State
	directive.SessionID = res.Session.ID

	// Surface unfinished work from a previous session, if any.
	draft, err := p.store.RecoverableDraft(ctx, msg.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user", msg.UserID).Msg("Draft lookup failed")
		return nil
	}
	directive.DraftNotice = draft
	return nil
}

// applyOverride force-closes the live session along legal edges, saving a
// draft on the way out.
func (p *Processor) applyOverride(ctx context.Context, msg *Message, sess *models.Session, directive *Directive) error {
	if sess == nil {
		return nil
	}
	res, err := p.abandon(ctx, sess, overrideTrigger)
	if err != nil {
		return err
	}
	directive.SessionStateAfter = res.Session.State
	if res.Draft != nil {
		directive.DraftNotice = res.Draft
	}
	return nil
}

// abandonStep is one hop on the path from a state to ABANDONED.
type abandonStep struct {
	to      models.SessionState
	trigger fsm.Trigger
}

// overrideTrigger picks the conflicting-intent trigger legal for a state.
func overrideTrigger(state models.SessionState) fsm.Trigger {
	if state == models.StateTaskSelection {
		return fsm.TriggerConflictingIntent
	}
	return fsm.TriggerConflictingHighPri
}

// TimeoutTrigger returns the timeout trigger for every state; exported for
// the expiration sweeper, which abandons along the same paths.
func TimeoutTrigger(models.SessionState) fsm.Trigger {
	return fsm.TriggerTimeout
}

// abandonPath returns the legal edge sequence from state to ABANDONED. States
// with no direct abandon edge are first walked back to AWAITING_ACTION.
func abandonPath(state models.SessionState, finalTrigger func(models.SessionState) fsm.Trigger) ([]abandonStep, error) {
	switch state {
	case models.StateTaskSelection:
		return []abandonStep{{models.StateAbandoned, finalTrigger(state)}}, nil
	case models.StateAwaitingAction:
		return []abandonStep{{models.StateAbandoned, finalTrigger(state)}}, nil
	case models.StateCollectingData:
		return []abandonStep{
			{models.StateAwaitingAction, fsm.TriggerActionPersisted},
			{models.StateAbandoned, finalTrigger(models.StateAwaitingAction)},
		}, nil
	case models.StateConfirmationPending:
		return []abandonStep{
			{models.StateAwaitingAction, fsm.TriggerUserDeclined},
			{models.StateAbandoned, finalTrigger(models.StateAwaitingAction)},
		}, nil
	}
	return nil, fmt.Errorf("no abandon path from state %s", state)
}

// Abandon closes a live session along legal edges using the given trigger
// selection. Used by overrides and by the expiration sweeper.
func (p *Processor) Abandon(ctx context.Context, sess *models.Session, finalTrigger func(models.SessionState) fsm.Trigger) (*fsm.Result, error) {
	return p.abandon(ctx, sess, finalTrigger)
}

func (p *Processor) abandon(ctx context.Context, sess *models.Session, finalTrigger func(models.SessionState) fsm.Trigger) (*fsm.Result, error) {
	steps, err := abandonPath(sess.State, finalTrigger)
	if err != nil {
		return nil, err
	}
	var res *fsm.Result
	current := sess
	for _, step := range steps {
		res, err = p.engine.ExecuteTransition(ctx, &fsm.Request{
			Session: current,
			UserID:  current.UserID,
			To:      step.to,
			Trigger: step.trigger,
			Intent:  current.Intent,
		})
		if err != nil {
			return nil, err
		}
		current = res.Session
	}
	return res, nil
}

// rejectionChoice phrases a validation failure as a choice.
func rejectionChoice(verr *models.ValidationError) *models.Clarification {
	return &models.Clarification{
		Question: fmt.Sprintf("That can't be done right now (%s). What would you like to do?", verr.Validator),
		Options:  []string{"try again", "cancel"},
	}
}

// logDecision emits one audit line per arbitration with every applied factor.
func (p *Processor) logDecision(fc *models.FSMContext, factors []Factor, res models.Resolution) {
	ev := log.Info().
		Str("user", fc.UserID).
		Str("intent", fc.CandidateIntent).
		Str("state", string(fc.State)).
		Float64("raw_confidence", fc.RawConfidence).
		Float64("adjusted_confidence", fc.AdjustedConfidence).
		Str("action", string(res.Action))
	for _, f := range factors {
		ev = ev.Float64("factor_"+f.Name, f.Delta)
	}
	ev.Msg("Arbitration decision")
}
