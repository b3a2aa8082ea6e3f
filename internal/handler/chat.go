// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/middleware"
	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/service"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

// ChatHandler handles the chat endpoints.
type ChatHandler struct {
	chat   *service.ChatService
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		chat:   chat,
		logger: log,
	}
}

// Chat handles POST /api/{owner}/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetUserID(ctx)

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.chat.HandleMessage(ctx, owner, req.ConversationID, req.Message)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.FromContext(ctx, h.logger).Error("chat turn failed", zap.Error(err))
		}
		writeError(w, status, errorMessage(err, "failed to process message"))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
