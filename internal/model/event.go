package model

import (
	"time"
)

// ToolStatus tags the outcome of a tool invocation.
type ToolStatus string

const (
	ToolStatusCreated   ToolStatus = "created"
	ToolStatusListed    ToolStatus = "listed"
	ToolStatusUpdated   ToolStatus = "updated"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusDeleted   ToolStatus = "deleted"
	ToolStatusError     ToolStatus = "error"
)

// ToolInvocation records one tool call made during a turn.
type ToolInvocation struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
	Result     map[string]any `json:"result"`
	Status     ToolStatus     `json:"-"`
}

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeTurn           EventType = "turn"
	EventTypeFallback       EventType = "fallback"
	EventTypePartialFailure EventType = "partial_failure"
)

// TurnEvent is published once per chat turn for observability.
type TurnEvent struct {
	ID             string           `json:"id"`
	Type           EventType        `json:"type"`
	OwnerID        string           `json:"user_id"`
	ConversationID int64            `json:"conversation_id"`
	ToolCalls      []ToolInvocation `json:"tool_calls,omitempty"`
	Fallback       bool             `json:"fallback,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	LatencyMs      int64            `json:"latency_ms"`
	CreatedAt      time.Time        `json:"created_at"`
}
