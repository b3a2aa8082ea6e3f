package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/middleware"
	"github.com/capitalize-ai/todo-assistant/internal/service"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

// ConversationParam is the shared path parameter of the conversation
// routes: an owner id on the list route and a conversation id below it.
const ConversationParam = "ref"

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/conversations/{owner}
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetUserID(ctx)

	limit := 20
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	resp, err := h.service.List(ctx, owner, limit, offset)
	if err != nil {
		logger.FromContext(ctx, h.logger).Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Messages handles GET /api/conversations/{id}/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetUserID(ctx)

	id, err := middleware.ParseID(chi.URLParam(r, ConversationParam))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Messages(ctx, owner, id)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, "conversation not found")
			return
		}
		logger.FromContext(ctx, h.logger).Error("failed to get messages", zap.Error(err))
		writeError(w, status, "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetUserID(ctx)

	id, err := middleware.ParseID(chi.URLParam(r, ConversationParam))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Delete(ctx, owner, id); err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, "conversation not found")
			return
		}
		logger.FromContext(ctx, h.logger).Error("failed to delete conversation", zap.Error(err))
		writeError(w, status, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
