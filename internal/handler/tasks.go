package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/middleware"
	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/service"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

// TaskHandler handles direct task CRUD.
type TaskHandler struct {
	service *service.TaskService
	logger  *logger.Logger
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(svc *service.TaskService, log *logger.Logger) *TaskHandler {
	return &TaskHandler{service: svc, logger: log}
}

// List handles GET /api/{owner}/tasks?status=&sort=&order=
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	tasks, err := h.service.List(ctx, middleware.GetUserID(ctx), q.Get("status"), q.Get("sort"), q.Get("order"))
	if err != nil {
		h.fail(w, r, err, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Create handles POST /api/{owner}/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.service.Create(ctx, middleware.GetUserID(ctx), &req)
	if err != nil {
		h.fail(w, r, err, "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// Get handles GET /api/{owner}/tasks/{taskID}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := h.service.Get(r.Context(), middleware.GetUserID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Update handles PUT /api/{owner}/tasks/{taskID}
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	var req model.UpdateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.service.Update(r.Context(), middleware.GetUserID(r.Context()), id, &req)
	if err != nil {
		h.fail(w, r, err, "failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Toggle handles PATCH /api/{owner}/tasks/{taskID}/complete
func (h *TaskHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := h.service.Toggle(r.Context(), middleware.GetUserID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err, "failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Delete handles DELETE /api/{owner}/tasks/{taskID}
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), middleware.GetUserID(r.Context()), id); err != nil {
		h.fail(w, r, err, "failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) fail(w http.ResponseWriter, r *http.Request, err error, internal string) {
	status := statusFor(err)
	if status == http.StatusNotFound {
		writeError(w, status, "task not found")
		return
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.logger).Error(internal, zap.Error(err))
	}
	writeError(w, status, errorMessage(err, internal))
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := middleware.ParseID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}
