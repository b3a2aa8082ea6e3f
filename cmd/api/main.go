// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/config"
	"github.com/capitalize-ai/todo-assistant/internal/handler"
	natsclient "github.com/capitalize-ai/todo-assistant/internal/nats"
	"github.com/capitalize-ai/todo-assistant/internal/server"
	"github.com/capitalize-ai/todo-assistant/internal/service"
	"github.com/capitalize-ai/todo-assistant/internal/tools"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
	"github.com/capitalize-ai/todo-assistant/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "todo-assistant", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(ctx, tp) }()
		}
	}

	// Open the database
	st, err := server.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// Connect to NATS when configured
	var (
		natsClient *natsclient.Client
		publisher  service.EventPublisher = service.NopPublisher{}
		events     handler.EventSource
	)
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "todo-assistant-api",
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		// Ensure JetStream stream exists
		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		publisher, events = streamManager, streamManager
	} else {
		log.Info("NATS_URL not set, chat events disabled")
	}

	// Initialize reasoner
	reasoner, err := server.NewReasoner(cfg, log)
	if err != nil {
		log.Fatal("failed to create reasoner", zap.Error(err))
	}

	// Initialize services
	registry := tools.NewRegistry(st, cfg.ToolTimeout)
	chat := service.NewChatService(st, registry, reasoner, publisher, server.ChatConfig(cfg), log)

	router := server.NewRouter(server.Options{
		Store:             st,
		Registry:          registry,
		Chat:              chat,
		Logger:            log,
		NATS:              natsClient,
		Events:            events,
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	})

	if cfg.TracingEnabled {
		router = otelhttp.NewHandler(router, "todo-assistant")
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
