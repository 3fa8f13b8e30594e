package models

import "time"

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message carries a two-phase identity: ClientTempID is minted locally the
// moment the message enters the transcript and never changes, so display
// layers can key on it. ID is the database row id, zero until the message
// has been durably stored.
type Message struct {
	ID           int64     `json:"id,omitempty"`
	ClientTempID string    `json:"client_temp_id"`
	UserID       int64     `json:"user_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// Persisted reports whether the message has a durable identifier.
func (m *Message) Persisted() bool {
	return m != nil && m.ID > 0
}
