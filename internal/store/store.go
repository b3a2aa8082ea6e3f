// Package store defines the persistence interfaces for tasks and conversations.
// Implementations: sqlite.Store (SQLite) and postgres.Store (PostgreSQL).
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/capitalize-ai/todo-assistant/internal/model"
)

// ErrNotFound is returned when a record is absent or belongs to another owner.
var ErrNotFound = errors.New("not found")

// TaskStore is ownership-scoped CRUD over tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, owner, title string, description *string) (*model.Task, error)
	GetTask(ctx context.Context, owner string, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, owner string, q model.TaskQuery) ([]model.Task, error)
	// UpdateTask changes only the non-nil fields.
	UpdateTask(ctx context.Context, owner string, id int64, title, description *string) (*model.Task, error)
	SetTaskCompleted(ctx context.Context, owner string, id int64, completed bool) (*model.Task, error)
	ToggleTask(ctx context.Context, owner string, id int64) (*model.Task, error)
	// DeleteTask returns the task as it was before deletion.
	DeleteTask(ctx context.Context, owner string, id int64) (*model.Task, error)
}

// ConversationStore persists conversations and their ordered messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, owner string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*model.Conversation, error)
	ListConversations(ctx context.Context, owner string, limit, offset int) ([]model.Conversation, error)
	// ListMessages returns the last limit messages in ascending sequence order.
	// A limit <= 0 returns the whole history.
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error)
	AppendMessage(ctx context.Context, conversationID int64, owner string, role model.Role, content string) (*model.Message, error)
	// AppendTurn writes the user and assistant messages atomically.
	AppendTurn(ctx context.Context, conversationID int64, owner, userText, assistantText string) ([]model.Message, error)
	DeleteConversation(ctx context.Context, id int64, owner string) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	TaskStore
	ConversationStore
	Ping(ctx context.Context) error
	Close() error
}

// SortColumn maps a requested sort key to a column name, defaulting to created_at.
func SortColumn(sort string) string {
	switch strings.ToLower(sort) {
	case "title":
		return "title"
	case "updated_at":
		return "updated_at"
	default:
		return "created_at"
	}
}
