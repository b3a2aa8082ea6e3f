// Package model defines data structures for the todo assistant.
package model

import (
	"time"
)

// Conversation represents a chat thread owned by a single user.
type Conversation struct {
	ID           int64     `json:"id"`
	OwnerID      string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}

// ChatRequest is the body of POST /api/{owner}/chat.
type ChatRequest struct {
	ConversationID *int64 `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ChatResponse is the result of one chat turn.
type ChatResponse struct {
	ConversationID int64            `json:"conversation_id"`
	Response       string           `json:"response"`
	ToolCalls      []ToolInvocation `json:"tool_calls,omitempty"`
}
