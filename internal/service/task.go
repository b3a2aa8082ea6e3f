package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
)

// TaskService validates and applies direct task edits from the REST API.
type TaskService struct {
	store store.TaskStore
}

// NewTaskService creates a task service.
func NewTaskService(s store.TaskStore) *TaskService {
	return &TaskService{store: s}
}

// Create adds a task for owner.
func (s *TaskService) Create(ctx context.Context, owner string, req *model.CreateTaskRequest) (*model.Task, error) {
	title, err := model.NormalizeTitle(req.Title)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	desc, err := normalizeDescription(req.Description)
	if err != nil {
		return nil, err
	}
	if desc != nil && *desc == "" {
		desc = nil
	}
	return s.store.CreateTask(ctx, owner, title, desc)
}

// List returns owner's tasks. status is all, pending or completed; sort is
// created_at, title or updated_at; order is asc or desc.
func (s *TaskService) List(ctx context.Context, owner, status, sort, order string) ([]model.Task, error) {
	filter, ok := model.ParseTaskFilter(strings.ToLower(status))
	if !ok {
		return nil, fmt.Errorf("%w: status must be all, pending or completed", ErrValidation)
	}
	var desc bool
	switch strings.ToLower(order) {
	case "", "asc":
	case "desc":
		desc = true
	default:
		return nil, fmt.Errorf("%w: order must be asc or desc", ErrValidation)
	}

	tasks, err := s.store.ListTasks(ctx, owner, model.TaskQuery{Filter: filter, Sort: sort, Desc: desc})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return tasks, nil
}

// Get returns one task.
func (s *TaskService) Get(ctx context.Context, owner string, id int64) (*model.Task, error) {
	return s.store.GetTask(ctx, owner, id)
}

// Update applies the non-nil fields of req.
func (s *TaskService) Update(ctx context.Context, owner string, id int64, req *model.UpdateTaskRequest) (*model.Task, error) {
	if req.Title == nil && req.Description == nil && req.Completed == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	var title *string
	if req.Title != nil {
		t, err := model.NormalizeTitle(*req.Title)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		title = &t
	}
	desc, err := normalizeDescription(req.Description)
	if err != nil {
		return nil, err
	}

	var task *model.Task
	if title != nil || desc != nil {
		if task, err = s.store.UpdateTask(ctx, owner, id, title, desc); err != nil {
			return nil, err
		}
	}
	if req.Completed != nil {
		if task, err = s.store.SetTaskCompleted(ctx, owner, id, *req.Completed); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// Toggle flips the completion state of a task.
func (s *TaskService) Toggle(ctx context.Context, owner string, id int64) (*model.Task, error) {
	return s.store.ToggleTask(ctx, owner, id)
}

// Delete removes a task.
func (s *TaskService) Delete(ctx context.Context, owner string, id int64) error {
	_, err := s.store.DeleteTask(ctx, owner, id)
	return err
}

func normalizeDescription(d *string) (*string, error) {
	if d == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*d)
	if err := model.ValidateDescription(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &v, nil
}
