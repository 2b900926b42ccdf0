package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/obralink/foreman/internal/arbiter"
	"github.com/obralink/foreman/internal/fsm"
	"github.com/obralink/foreman/pkg/models"
)

// messageRequest is one classified inbound message.
type messageRequest struct {
	UserID                string              `json:"user_id"`
	Intent                string              `json:"intent"`
	Confidence            float64             `json:"confidence"`
	Text                  string              `json:"text"`
	LastPromptWasQuestion bool                `json:"last_prompt_was_question"`
	Metadata              models.JSONMetadata `json:"metadata,omitempty"`
}

// transitionRequest asks for one explicit transition.
type transitionRequest struct {
	To        models.SessionState `json:"to"`
	Trigger   string              `json:"trigger"`
	TaskID    string              `json:"task_id,omitempty"`
	ProjectID string              `json:"project_id,omitempty"`
	Metadata  models.JSONMetadata `json:"metadata,omitempty"`
}

// transitionResponse reports a committed transition.
type transitionResponse struct {
	OK       bool                `json:"ok"`
	NewState models.SessionState `json:"new_state"`
	Prompt   string              `json:"prompt,omitempty"`
	Summary  any                 `json:"summary,omitempty"`
}

// errorResponse is the uniform error payload. Internal errors carry a
// generic apology, never internals.
type errorResponse struct {
	Error     string                `json:"error"`
	Validator string                `json:"validator,omitempty"`
	Choice    *models.Clarification `json:"choice,omitempty"`
	// LastSession is the user's most recent closure inside the historical
	// window, returned alongside "no live session".
	LastSession *models.Session `json:"last_session,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.UserID == "" || req.Intent == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id and intent are required"})
		return
	}

	directive, err := s.processor.Arbitrate(r.Context(), &arbiter.Message{
		UserID:                req.UserID,
		Intent:                req.Intent,
		Confidence:            req.Confidence,
		Text:                  req.Text,
		LastPromptWasQuestion: req.LastPromptWasQuestion,
		Metadata:              req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, directive)
}

func (s *Service) handleTransition(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	res, err := s.processor.Transition(r.Context(), sessionID, req.To, fsm.Trigger(req.Trigger), req.TaskID, req.ProjectID, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := transitionResponse{OK: true, NewState: res.Session.State, Prompt: res.Prompt}
	if res.Summary != nil {
		resp.Summary = res.Summary
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.SessionByID(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.RecordsForSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Service) handleUserSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, err := s.store.LiveSessionForUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess == nil {
		// Closures inside the historical window are still worth surfacing so
		// the caller can say "your last update session ended".
		recent, err := s.store.RecentClosedSession(r.Context(), userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no live session", LastSession: recent})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleUserDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := s.store.RecoverableDraft(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if draft == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no recoverable draft"})
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// writeError maps the error taxonomy onto HTTP statuses. Validation failures
// come back as a choice; true internal errors get a generic apology and an
// error-level log for escalation.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	var terr *models.TransitionError

	switch {
	case errors.Is(err, models.ErrUserBusy):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "busy, retry shortly"})
	case errors.Is(err, models.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
	case errors.Is(err, models.ErrSessionConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "a session is already in progress"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     "that can't be done right now",
			Validator: verr.Validator,
			Choice: &models.Clarification{
				Question: "What would you like to do?",
				Options:  []string{"try again", "cancel"},
			},
		})
	case errors.As(err, &terr):
		// FSM table and stored state have diverged; escalate.
		log.Error().Err(err).Msg("Transition error escalated to operator")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "something went wrong on our side, the team has been notified"})
	default:
		log.Error().Err(err).Msg("Internal error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "something went wrong on our side, the team has been notified"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Response encoding failed")
	}
}
