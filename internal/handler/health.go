package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/capitalize-ai/todo-assistant/internal/tools"
	natsclient "github.com/capitalize-ai/todo-assistant/internal/nats"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store      Pinger
	natsClient *natsclient.Client
}

// NewHealthHandler creates a new health handler. natsClient may be nil when
// event publishing is disabled.
func NewHealthHandler(store Pinger, natsClient *natsclient.Client) *HealthHandler {
	return &HealthHandler{
		store:      store,
		natsClient: natsClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unreachable",
		})
		return
	}

	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// ToolsHandler exposes the tool schema offered to the reasoner.
type ToolsHandler struct {
	registry *tools.Registry
}

// NewToolsHandler creates a new tools handler.
func NewToolsHandler(reg *tools.Registry) *ToolsHandler {
	return &ToolsHandler{registry: reg}
}

// List handles GET /api/{owner}/tools
func (h *ToolsHandler) List(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.registry.Schemas()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render tool schema")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": schemas})
}
