package fsm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obralink/foreman/pkg/models"
)

// registerBuiltins installs the validators and side effects named by the
// transition table.
func (e *Engine) registerBuiltins() {
	e.validators[ValidatorUserAuthenticated] = e.validateUserAuthenticated
	e.validators[ValidatorNoActiveSession] = e.validateNoActiveSession
	e.validators[ValidatorTaskExists] = e.validateTaskExists
	e.validators[ValidatorUserHasPermission] = e.validateUserHasPermission
	e.validators[ValidatorAtLeastOneUpdate] = e.validateAtLeastOneUpdate
	e.validators[ValidatorSessionStillValid] = e.validateSessionStillValid

	e.effects[EffectCreateSession] = e.effectCreateSession
	e.effects[EffectPersistAction] = e.effectPersistAction
	e.effects[EffectIncrementCounter] = e.effectIncrementCounter
	e.effects[EffectPromptNextAction] = e.effectPromptNextAction
	e.effects[EffectPrepareSummary] = e.effectPrepareSummary
	e.effects[EffectSaveDraft] = e.effectSaveDraft
	e.effects[EffectClearSession] = e.effectClearSession
	e.effects[EffectMarkTaskComplete] = e.effectMarkTaskComplete
}

// Validators

func (e *Engine) validateUserAuthenticated(ctx context.Context, req *Request) error {
	ok, err := e.auth.Authenticated(ctx, req.UserID)
	if err != nil {
		return &models.ValidationError{Validator: ValidatorUserAuthenticated, Reason: err.Error()}
	}
	if !ok {
		return &models.ValidationError{Validator: ValidatorUserAuthenticated}
	}
	return nil
}

func (e *Engine) validateNoActiveSession(ctx context.Context, req *Request) error {
	live, err := e.store.LiveSessionForUser(ctx, req.UserID)
	if err != nil {
		return &models.ValidationError{Validator: ValidatorNoActiveSession, Reason: err.Error()}
	}
	if live != nil {
		return &models.ValidationError{Validator: ValidatorNoActiveSession, Reason: "live session " + live.ID}
	}
	return nil
}

func (e *Engine) validateTaskExists(ctx context.Context, req *Request) error {
	exists, err := e.tasks.TaskExists(ctx, req.TaskID)
	if err != nil {
		return &models.ValidationError{Validator: ValidatorTaskExists, Reason: err.Error()}
	}
	if !exists {
		return &models.ValidationError{Validator: ValidatorTaskExists, Reason: "task " + req.TaskID}
	}
	return nil
}

func (e *Engine) validateUserHasPermission(ctx context.Context, req *Request) error {
	ok, err := e.auth.CanAccessTask(ctx, req.UserID, req.TaskID)
	if err != nil {
		return &models.ValidationError{Validator: ValidatorUserHasPermission, Reason: err.Error()}
	}
	if !ok {
		return &models.ValidationError{Validator: ValidatorUserHasPermission}
	}
	return nil
}

func (e *Engine) validateAtLeastOneUpdate(ctx context.Context, req *Request) error {
	if req.Session == nil || !req.Session.HasRecordedUpdate() {
		return &models.ValidationError{Validator: ValidatorAtLeastOneUpdate}
	}
	return nil
}

func (e *Engine) validateSessionStillValid(ctx context.Context, req *Request) error {
	if req.Session == nil || !req.Session.Active() {
		return &models.ValidationError{Validator: ValidatorSessionStillValid}
	}
	if time.Now().UnixMilli() >= req.Session.ExpiresAtEpoch {
		return &models.ValidationError{Validator: ValidatorSessionStillValid, Reason: "session expired"}
	}
	return nil
}

// Side effects

func (e *Engine) effectCreateSession(ctx context.Context, req *Request, res *Result) error {
	// The session row was created on entry into TASK_SELECTION; binding the
	// chosen task completes its setup.
	sess, err := e.store.BindTask(ctx, res.Session.ID, req.TaskID, req.ProjectID)
	if err != nil {
		return err
	}
	res.Session = sess
	return nil
}

func (e *Engine) effectPersistAction(ctx context.Context, req *Request, res *Result) error {
	if e.actions == nil {
		return nil
	}
	return e.actions.PersistAction(ctx, res.Session, req.Trigger, req.Metadata)
}

func (e *Engine) effectIncrementCounter(ctx context.Context, req *Request, res *Result) error {
	var counter string
	switch req.Trigger {
	case TriggerPhotoReceived:
		counter = "images_uploaded"
	case TriggerCommentReceived:
		counter = "comments_added"
	default:
		counter = "status_changed"
	}
	sess, err := e.store.IncrementCounter(ctx, res.Session.ID, counter)
	if err != nil {
		return err
	}
	res.Session = sess
	return nil
}

func (e *Engine) effectPromptNextAction(ctx context.Context, req *Request, res *Result) error {
	res.Prompt = "next_action"
	return nil
}

func (e *Engine) effectPrepareSummary(ctx context.Context, req *Request, res *Result) error {
	summary := models.JSONMetadata{
		"task_id":         res.Session.TaskID.String,
		"images_uploaded": res.Session.ImagesUploaded,
		"comments_added":  res.Session.CommentsAdded,
		"status_changed":  res.Session.StatusChanged,
	}
	res.Summary = &summary
	return nil
}

func (e *Engine) effectSaveDraft(ctx context.Context, req *Request, res *Result) error {
	// Drafts are only worth saving once a task was selected.
	if !res.Session.TaskID.Valid {
		return nil
	}
	draft, err := e.store.SaveDraft(ctx, res.Session)
	if err != nil {
		return err
	}
	res.Draft = draft
	log.Debug().Str("session", res.Session.ID).Str("draft", draft.ID).Msg("Draft saved")
	return nil
}

func (e *Engine) effectClearSession(ctx context.Context, req *Request, res *Result) error {
	if e.notifier == nil {
		return nil
	}
	return e.notifier.SessionClosed(ctx, res.Session)
}

func (e *Engine) effectMarkTaskComplete(ctx context.Context, req *Request, res *Result) error {
	if !res.Session.TaskID.Valid {
		return nil
	}
	ok, err := e.tasks.MarkComplete(ctx, res.Session.TaskID.String)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Str("task", res.Session.TaskID.String).Msg("External system declined task completion")
	}
	return nil
}
