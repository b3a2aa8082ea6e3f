// Package server wires the HTTP routes of the todo assistant.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/todo-assistant/internal/handler"
	"github.com/capitalize-ai/todo-assistant/internal/middleware"
	natsclient "github.com/capitalize-ai/todo-assistant/internal/nats"
	"github.com/capitalize-ai/todo-assistant/internal/service"
	"github.com/capitalize-ai/todo-assistant/internal/store"
	"github.com/capitalize-ai/todo-assistant/internal/tools"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

// Version is reported by the MCP endpoint.
const Version = "0.1.0"

// Options are the dependencies of the router.
type Options struct {
	Store    store.Store
	Registry *tools.Registry
	Chat     *service.ChatService
	Logger   *logger.Logger

	// NATS and Events are nil when event publishing is disabled.
	NATS   *natsclient.Client
	Events handler.EventSource

	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the API router.
func NewRouter(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}

	healthHandler := handler.NewHealthHandler(opts.Store, opts.NATS)
	chatHandler := handler.NewChatHandler(opts.Chat, log)
	conversationHandler := handler.NewConversationHandler(service.NewConversationService(opts.Store, log), log)
	taskHandler := handler.NewTaskHandler(service.NewTaskService(opts.Store), log)
	toolsHandler := handler.NewToolsHandler(opts.Registry)
	eventsHandler := handler.NewEventsHandler(opts.Events, log)

	mcpHandler := mcpserver.NewStreamableHTTPServer(
		tools.NewMCPServer(opts.Registry, Version, tools.ContextOwner),
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return tools.WithOwner(ctx, middleware.GetUserID(r.Context()))
		}),
	)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(opts.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(opts.JWTSecret))
		r.Use(middleware.RequestLogger(log))
		if opts.RateLimitRequests > 0 {
			r.Use(middleware.UserRateLimit(opts.RateLimitRequests, opts.RateLimitWindow))
		}

		r.Handle("/mcp", mcpHandler)

		r.Route("/api/conversations/{"+handler.ConversationParam+"}", func(r chi.Router) {
			r.With(middleware.RequireOwner(handler.ConversationParam)).Get("/", conversationHandler.List)
			r.Delete("/", conversationHandler.Delete)
			r.Get("/messages", conversationHandler.Messages)
		})

		r.Route("/api/{owner}", func(r chi.Router) {
			r.Use(middleware.RequireOwner("owner"))

			r.Post("/chat", chatHandler.Chat)
			r.Post("/chat/stream", chatHandler.ChatStream)
			r.Get("/events", eventsHandler.Stream)
			r.Get("/tools", toolsHandler.List)

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", taskHandler.List)
				r.Post("/", taskHandler.Create)
				r.Route("/{taskID}", func(r chi.Router) {
					r.Get("/", taskHandler.Get)
					r.Put("/", taskHandler.Update)
					r.Delete("/", taskHandler.Delete)
					r.Patch("/complete", taskHandler.Toggle)
				})
			})
		})
	})

	return r
}
