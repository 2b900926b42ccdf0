package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// JSONMetadata stores free-form transition metadata as a JSON text column.
type JSONMetadata map[string]any

// Scan implements sql.Scanner.
func (m *JSONMetadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer.
func (m JSONMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// TransitionRecord is an append-only audit entry for one executed transition.
// Records are never mutated after creation and never drive control flow.
type TransitionRecord struct {
	ID              int64        `db:"id" json:"id"`
	SessionID       string       `db:"session_id" json:"session_id"`
	UserID          string       `db:"user_id" json:"user_id"`
	FromState       SessionState `db:"from_state" json:"from_state"`
	ToState         SessionState `db:"to_state" json:"to_state"`
	Trigger         string       `db:"trigger" json:"trigger"`
	Metadata        JSONMetadata `db:"metadata" json:"metadata,omitempty"`
	OccurredAt      string       `db:"occurred_at" json:"occurred_at"`
	OccurredAtEpoch int64        `db:"occurred_at_epoch" json:"occurred_at_epoch"`
}

// NewTransitionRecord builds an audit entry stamped with the current time.
func NewTransitionRecord(sessionID, userID string, from, to SessionState, trigger string, meta JSONMetadata) *TransitionRecord {
	now := time.Now()
	return &TransitionRecord{
		SessionID:       sessionID,
		UserID:          userID,
		FromState:       from,
		ToState:         to,
		Trigger:         trigger,
		Metadata:        meta,
		OccurredAt:      now.Format(time.RFC3339),
		OccurredAtEpoch: now.UnixMilli(),
	}
}
