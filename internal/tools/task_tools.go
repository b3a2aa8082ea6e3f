package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
)

// ─── add_task ───────────────────────────────────────────────────────────────

func addTaskDefinition() mcp.Tool {
	return mcp.NewTool(string(AddTask),
		mcp.WithDescription("Create a new task in the user's todo list."),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short task title, 1-200 characters (e.g. 'Buy groceries')"),
		),
		mcp.WithString("description",
			mcp.Description("Optional longer description, up to 1000 characters"),
		),
	)
}

func (r *Registry) addTask(ctx context.Context, owner string, args map[string]any) (map[string]any, model.ToolStatus, error) {
	rawTitle, _, err := stringArg(args, "title")
	if err != nil {
		return nil, "", err
	}
	title, err := model.NormalizeTitle(rawTitle)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	desc, err := descriptionArg(args)
	if err != nil {
		return nil, "", err
	}
	if desc != nil && *desc == "" {
		desc = nil
	}

	task, err := r.tasks.CreateTask(ctx, owner, title, desc)
	if err != nil {
		return nil, "", fmt.Errorf("create task: %w", err)
	}
	return taskResult(task, model.ToolStatusCreated), model.ToolStatusCreated, nil
}

// ─── list_tasks ─────────────────────────────────────────────────────────────

func listTasksDefinition() mcp.Tool {
	return mcp.NewTool(string(ListTasks),
		mcp.WithDescription("List the user's tasks, optionally filtered by completion status. "+
			"Call this before completing, deleting or updating a task the user refers to by name."),
		mcp.WithString("status",
			mcp.Description("Filter: all (default), pending or completed"),
			mcp.Enum(string(model.TaskFilterAll), string(model.TaskFilterPending), string(model.TaskFilterCompleted)),
		),
	)
}

func (r *Registry) listTasks(ctx context.Context, owner string, args map[string]any) (map[string]any, model.ToolStatus, error) {
	raw, _, err := stringArg(args, "status")
	if err != nil {
		return nil, "", err
	}
	filter, ok := model.ParseTaskFilter(raw)
	if !ok {
		return nil, "", fmt.Errorf("%w: status must be all, pending or completed", ErrInvalidArguments)
	}

	tasks, err := r.tasks.ListTasks(ctx, owner, model.TaskQuery{Filter: filter})
	if err != nil {
		return nil, "", fmt.Errorf("list tasks: %w", err)
	}

	summaries := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		s := map[string]any{
			"id":         t.ID,
			"title":      t.Title,
			"completed":  t.Completed,
			"created_at": t.CreatedAt,
			"updated_at": t.UpdatedAt,
		}
		if t.Description != nil {
			s["description"] = *t.Description
		}
		summaries = append(summaries, s)
	}
	return map[string]any{
		"status": string(model.ToolStatusListed),
		"filter": string(filter),
		"count":  len(summaries),
		"tasks":  summaries,
	}, model.ToolStatusListed, nil
}

// ─── complete_task ──────────────────────────────────────────────────────────

func completeTaskDefinition() mcp.Tool {
	return mcp.NewTool(string(CompleteTask),
		mcp.WithDescription("Mark one of the user's tasks as completed."),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("ID of the task to complete"),
		),
	)
}

func (r *Registry) completeTask(ctx context.Context, owner string, args map[string]any) (map[string]any, model.ToolStatus, error) {
	id, err := taskIDArg(args)
	if err != nil {
		return nil, "", err
	}
	task, err := r.tasks.SetTaskCompleted(ctx, owner, id, true)
	if err != nil {
		return nil, "", taskError(id, err)
	}
	return taskResult(task, model.ToolStatusCompleted), model.ToolStatusCompleted, nil
}

// ─── delete_task ────────────────────────────────────────────────────────────

func deleteTaskDefinition() mcp.Tool {
	return mcp.NewTool(string(DeleteTask),
		mcp.WithDescription("Permanently delete one of the user's tasks."),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("ID of the task to delete"),
		),
	)
}

func (r *Registry) deleteTask(ctx context.Context, owner string, args map[string]any) (map[string]any, model.ToolStatus, error) {
	id, err := taskIDArg(args)
	if err != nil {
		return nil, "", err
	}
	task, err := r.tasks.DeleteTask(ctx, owner, id)
	if err != nil {
		return nil, "", taskError(id, err)
	}
	return taskResult(task, model.ToolStatusDeleted), model.ToolStatusDeleted, nil
}

// ─── update_task ────────────────────────────────────────────────────────────

func updateTaskDefinition() mcp.Tool {
	return mcp.NewTool(string(UpdateTask),
		mcp.WithDescription("Change the title and/or description of one of the user's tasks. "+
			"At least one of title or description must be given."),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("ID of the task to update"),
		),
		mcp.WithString("title",
			mcp.Description("New title, 1-200 characters"),
		),
		mcp.WithString("description",
			mcp.Description("New description, up to 1000 characters"),
		),
	)
}

func (r *Registry) updateTask(ctx context.Context, owner string, args map[string]any) (map[string]any, model.ToolStatus, error) {
	id, err := taskIDArg(args)
	if err != nil {
		return nil, "", err
	}

	var title *string
	rawTitle, ok, err := stringArg(args, "title")
	if err != nil {
		return nil, "", err
	}
	if ok {
		t, err := model.NormalizeTitle(rawTitle)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		title = &t
	}
	desc, err := descriptionArg(args)
	if err != nil {
		return nil, "", err
	}
	if title == nil && desc == nil {
		return nil, "", fmt.Errorf("%w: nothing to update, give a title or description", ErrInvalidArguments)
	}

	task, err := r.tasks.UpdateTask(ctx, owner, id, title, desc)
	if err != nil {
		return nil, "", taskError(id, err)
	}
	return taskResult(task, model.ToolStatusUpdated), model.ToolStatusUpdated, nil
}

// ─── Shared ─────────────────────────────────────────────────────────────────

func taskResult(t *model.Task, status model.ToolStatus) map[string]any {
	return map[string]any{
		"task_id": t.ID,
		"status":  string(status),
		"title":   t.Title,
	}
}

func taskError(id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("task %d %w", id, store.ErrNotFound)
	}
	return err
}
