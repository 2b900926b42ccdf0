package models

// FSMContext is the ephemeral per-message view the arbitration pipeline works
// on. It is constructed for one inbound message, never persisted, and
// discarded once the arbitration decision is made.
type FSMContext struct {
	UserID             string
	State              SessionState // StateIdle when no live session exists
	SessionID          string
	TaskID             string
	ProjectID          string
	SessionIntent      string // intent the live session was opened for, if any
	CandidateIntent    string
	Text               string
	RawConfidence      float64
	AdjustedConfidence float64
	// LastPromptWasQuestion is set by the caller when the preceding outbound
	// message was phrased as a question or prompt.
	LastPromptWasQuestion bool
}

// HasSession reports whether a live session backs this context.
func (c *FSMContext) HasSession() bool {
	return c.SessionID != "" && !c.State.Terminal() && c.State != StateIdle
}

// ResolutionAction is what the pipeline tells the caller to do with a message.
type ResolutionAction string

const (
	ActionExecute  ResolutionAction = "execute"
	ActionOverride ResolutionAction = "override"
	ActionClarify  ResolutionAction = "clarify"
	ActionInline   ResolutionAction = "inline"
)

// Clarification is a user-facing choice presented instead of a raw error.
type Clarification struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Resolution is the Conflict Resolver's verdict for one candidate intent.
type Resolution struct {
	Action        ResolutionAction `json:"action"`
	CloseSession  bool             `json:"close_session"`
	SaveDraft     bool             `json:"save_draft"`
	Clarification *Clarification   `json:"clarification,omitempty"`
	// SessionReminder tells the caller to append a one-line note that the
	// session is still open (inline answers over an active session).
	SessionReminder bool `json:"session_reminder,omitempty"`
}
