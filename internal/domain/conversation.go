package domain

import "time"

// Role identifies the author of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation pairs one owner with one coach persona.
type Conversation struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	CoachID      string    `json:"coachId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Exists reports whether the conversation has been persisted.
func (c Conversation) Exists() bool {
	return c.ID != ""
}

// Turn is a single immutable message within a Conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationSummary is a conversation with a preview of its most recent turn.
type ConversationSummary struct {
	Conversation
	LastTurn *Turn `json:"lastTurn,omitempty"`
}
