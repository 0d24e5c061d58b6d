package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"groupsave/internal/core"
)

// Message types carried in Envelope.Type.
const (
	TypeActivityRecorded     = "activity.recorded"
	TypeInvitationCreated    = "invitation.created"
	TypeContributionReminder = "contribution.reminder"
)

// Envelope wraps every message on the queue. ID is stable across redeliveries
// so consumers can deduplicate.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a fresh envelope with a random id.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}, nil
}

func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope without type")
	}
	return &env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ActivityMessage mirrors an appended activity entry.
type ActivityMessage struct {
	ActivityID  string            `json:"activity_id"`
	GroupID     string            `json:"group_id"`
	Type        core.ActivityType `json:"type"`
	UserID      string            `json:"user_id"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func NewActivityMessage(a core.GroupActivity) ActivityMessage {
	return ActivityMessage{
		ActivityID:  a.ID,
		GroupID:     a.GroupID,
		Type:        a.Type,
		UserID:      a.UserID,
		Description: a.Description,
		Metadata:    a.Metadata,
		CreatedAt:   a.CreatedAt,
	}
}

// InvitationMessage asks the notification side to deliver a join link.
type InvitationMessage struct {
	InvitationID string    `json:"invitation_id"`
	GroupID      string    `json:"group_id"`
	GroupName    string    `json:"group_name"`
	InvitedBy    string    `json:"invited_by"`
	Message      string    `json:"message,omitempty"`
	JoinURL      string    `json:"join_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ReminderMessage nudges a member who has not contributed in the current period.
type ReminderMessage struct {
	GroupID     string         `json:"group_id"`
	GroupName   string         `json:"group_name"`
	MemberID    string         `json:"member_id"`
	UserID      string         `json:"user_id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Frequency   core.Frequency `json:"frequency"`
	MinAmount   core.Money     `json:"min_amount"`
	PeriodStart time.Time      `json:"period_start"`
}
