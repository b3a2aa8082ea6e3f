package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r may be persisted as a message role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is an immutable conversation entry. Sequence orders messages
// within a conversation and starts at 1.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	OwnerID        string    `json:"user_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Sequence       int64     `json:"sequence"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	ConversationID int64     `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// ErrorEvent represents an SSE error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
