// Package tools implements the fixed set of task tools offered to the
// reasoning backend and to MCP clients.
//
// Each tool follows the same shape: an mcp.Tool definition describing its
// arguments, and a handler that validates arguments and proxies to the
// TaskStore on behalf of one owner. The owner is always supplied by the
// caller of Execute, never taken from the arguments.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
)

// Name identifies one of the task tools.
type Name string

const (
	AddTask      Name = "add_task"
	ListTasks    Name = "list_tasks"
	CompleteTask Name = "complete_task"
	DeleteTask   Name = "delete_task"
	UpdateTask   Name = "update_task"
)

// Names lists the tools in registration order.
var Names = []Name{AddTask, ListTasks, CompleteTask, DeleteTask, UpdateTask}

var (
	// ErrUnknownTool is returned for a tool name outside the registry.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments wraps argument validation failures.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrTimeout is returned when a tool call exceeds its deadline.
	ErrTimeout = errors.New("tool call timed out")
)

// ownerKeys are argument keys that could be used to select another owner's
// data. They are stripped before dispatch.
var ownerKeys = []string{"user_id", "owner", "owner_id", "userId"}

type handlerFunc func(ctx context.Context, owner string, args map[string]any) (map[string]any, model.ToolStatus, error)

type entry struct {
	def    mcp.Tool
	handle handlerFunc
}

// Schema is the provider-neutral description of one tool.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry dispatches tool calls to task operations. It holds no mutable
// state and is safe for concurrent use.
type Registry struct {
	tasks   store.TaskStore
	timeout time.Duration
	entries map[Name]entry
}

// NewRegistry creates a registry over tasks. A positive timeout bounds each call.
func NewRegistry(tasks store.TaskStore, timeout time.Duration) *Registry {
	r := &Registry{tasks: tasks, timeout: timeout}
	r.entries = map[Name]entry{
		AddTask:      {addTaskDefinition(), r.addTask},
		ListTasks:    {listTasksDefinition(), r.listTasks},
		CompleteTask: {completeTaskDefinition(), r.completeTask},
		DeleteTask:   {deleteTaskDefinition(), r.deleteTask},
		UpdateTask:   {updateTaskDefinition(), r.updateTask},
	}
	return r
}

// Definitions returns the MCP tool definitions in registration order.
func (r *Registry) Definitions() []mcp.Tool {
	defs := make([]mcp.Tool, 0, len(Names))
	for _, n := range Names {
		defs = append(defs, r.entries[n].def)
	}
	return defs
}

// Schemas returns the tool schemas as JSON Schema objects.
func (r *Registry) Schemas() ([]Schema, error) {
	defs := r.Definitions()
	out := make([]Schema, 0, len(defs))
	for _, d := range defs {
		params, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal %s schema: %w", d.Name, err)
		}
		out = append(out, Schema{Name: d.Name, Description: d.Description, Parameters: params})
	}
	return out, nil
}

// Execute runs the named tool for owner. The returned invocation is always
// non-nil; on failure its result carries status "error" and the error is
// also returned.
func (r *Registry) Execute(ctx context.Context, owner, name string, args map[string]any) (*model.ToolInvocation, error) {
	params := make(map[string]any, len(args)+1)
	for k, v := range args {
		params[k] = v
	}
	for _, k := range ownerKeys {
		delete(params, k)
	}

	inv := &model.ToolInvocation{ToolName: name}

	e, ok := r.entries[Name(name)]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownTool, name)
		inv.Parameters = withOwner(params, owner)
		inv.Result, inv.Status = ErrorResult(err), model.ToolStatusError
		return inv, err
	}
	if owner == "" {
		err := fmt.Errorf("%w: owner is required", ErrInvalidArguments)
		inv.Parameters = params
		inv.Result, inv.Status = ErrorResult(err), model.ToolStatusError
		return inv, err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, status, err := e.handle(ctx, owner, params)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s", ErrTimeout, name)
	}
	inv.Parameters = withOwner(params, owner)
	if err != nil {
		inv.Result, inv.Status = ErrorResult(err), model.ToolStatusError
		return inv, err
	}
	inv.Result, inv.Status = result, status
	return inv, nil
}

// ErrorResult renders err as a tool result the reasoning backend can read.
func ErrorResult(err error) map[string]any {
	return map[string]any{
		"status": string(model.ToolStatusError),
		"error":  err.Error(),
	}
}

func withOwner(params map[string]any, owner string) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["user_id"] = owner
	return out
}
