package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/config"
	"github.com/capitalize-ai/todo-assistant/internal/llm"
	"github.com/capitalize-ai/todo-assistant/internal/service"
	"github.com/capitalize-ai/todo-assistant/internal/store"
	"github.com/capitalize-ai/todo-assistant/internal/store/postgres"
	"github.com/capitalize-ai/todo-assistant/internal/store/sqlite"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

// OpenStore opens the configured database and applies migrations.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

// NewReasoner returns the configured reasoning backend. Without an API key
// for the chosen provider the deterministic rules backend is used.
func NewReasoner(cfg *config.Config, log *logger.Logger) (llm.Client, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	if provider != llm.ProviderRules && cfg.LLMAPIKey() == "" {
		log.Warn("no API key for LLM provider, using rule-based reasoner", zap.String("provider", cfg.DefaultLLM))
		provider = llm.ProviderRules
	}
	client, err := llm.NewClient(provider, cfg.LLMAPIKey())
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}
	log.Info("reasoner configured", zap.String("provider", client.Name()))
	return client, nil
}

// ChatConfig derives orchestrator settings from cfg.
func ChatConfig(cfg *config.Config) service.ChatConfig {
	return service.ChatConfig{
		Model:           cfg.LLMModel,
		HistoryLimit:    cfg.HistoryLimit,
		MaxToolRounds:   cfg.MaxToolRounds,
		ReasonerTimeout: cfg.ReasonerTimeout,
	}
}
