package service

import (
	"context"

	"github.com/capitalize-ai/todo-assistant/internal/model"
)

// EventPublisher receives turn events. *nats.StreamManager implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.TurnEvent) (uint64, error)
}

// NopPublisher drops every event. It is used when NATS is not configured.
type NopPublisher struct{}

// PublishEvent implements EventPublisher.
func (NopPublisher) PublishEvent(context.Context, *model.TurnEvent) (uint64, error) {
	return 0, nil
}
