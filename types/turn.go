package types

import "time"

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RolePatient   Role = "patient"
	RoleAssistant Role = "assistant"
)

// Turn is one message (patient or assistant) in a conversation.
// A Turn is immutable once appended to a session.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with the current time.
func NewTurn(role Role, text string) Turn {
	return Turn{Role: role, Text: text, Timestamp: time.Now()}
}

// NewPatientTurn creates a patient turn.
func NewPatientTurn(text string) Turn { return NewTurn(RolePatient, text) }

// NewAssistantTurn creates an assistant turn.
func NewAssistantTurn(text string) Turn { return NewTurn(RoleAssistant, text) }

// WithAudioRef attaches an audio reference to the turn.
func (t Turn) WithAudioRef(ref string) Turn {
	t.AudioRef = ref
	return t
}

// Session is the conversational memory for one live voice session.
// Sessions are exclusively owned by the session store; callers hold only the ID
// and mutate history by appending turns through the store API.
type Session struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultation_id,omitempty"`
	Turns          []Turn    `json:"turns"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Expired reports whether the session has been idle longer than ttl.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(s.LastActivity) > ttl
}
