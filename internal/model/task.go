package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTitleLength is the maximum task title length in runes.
	MaxTitleLength = 200
	// MaxDescriptionLength is the maximum task description length in runes.
	MaxDescriptionLength = 1000
)

// Task is a todo item owned by a single user.
type Task struct {
	ID          int64     `json:"id"`
	OwnerID     string    `json:"user_id"`
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskFilter selects tasks by completion state.
type TaskFilter string

const (
	TaskFilterAll       TaskFilter = "all"
	TaskFilterPending   TaskFilter = "pending"
	TaskFilterCompleted TaskFilter = "completed"
)

// ParseTaskFilter maps an empty value to TaskFilterAll and rejects unknown values.
func ParseTaskFilter(s string) (TaskFilter, bool) {
	switch TaskFilter(s) {
	case "", TaskFilterAll:
		return TaskFilterAll, true
	case TaskFilterPending, TaskFilterCompleted:
		return TaskFilter(s), true
	}
	return "", false
}

// TaskQuery controls task listing.
type TaskQuery struct {
	Filter TaskFilter
	Sort   string // created_at, title or updated_at
	Desc   bool
}

// CreateTaskRequest is the body of POST /api/{owner}/tasks.
type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

// UpdateTaskRequest is the body of PUT /api/{owner}/tasks/{taskID}.
type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// NormalizeTitle trims a task title and enforces the length bounds.
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errors.New("title cannot be empty")
	}
	if !utf8.ValidString(title) {
		return "", errors.New("title must be valid UTF-8")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", fmt.Errorf("title exceeds %d characters", MaxTitleLength)
	}
	return title, nil
}

// ValidateDescription enforces the description length bound.
func ValidateDescription(description string) error {
	if !utf8.ValidString(description) {
		return errors.New("description must be valid UTF-8")
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return fmt.Errorf("description exceeds %d characters", MaxDescriptionLength)
	}
	return nil
}
