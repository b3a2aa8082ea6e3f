package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

// ConversationService handles conversation management for the REST
// endpoints. A conversation owned by someone else is reported as
// store.ErrNotFound.
type ConversationService struct {
	store  store.ConversationStore
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(s store.ConversationStore, log *logger.Logger) *ConversationService {
	return &ConversationService{store: s, logger: log}
}

// Get retrieves a conversation owned by owner.
func (s *ConversationService) Get(ctx context.Context, owner string, id int64) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != owner {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

// List retrieves conversations for owner, most recently active first.
func (s *ConversationService) List(ctx context.Context, owner string, limit, offset int) (*model.ListConversationsResponse, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	convs, err := s.store.ListConversations(ctx, owner, limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &model.ListConversationsResponse{Conversations: convs, HasMore: hasMore}, nil
}

// Messages returns the full ordered history of a conversation owned by owner.
func (s *ConversationService) Messages(ctx context.Context, owner string, id int64) (*model.ListMessagesResponse, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.ListMessagesResponse{ConversationID: id, Messages: msgs}, nil
}

// Delete removes a conversation and its messages.
func (s *ConversationService) Delete(ctx context.Context, owner string, id int64) error {
	if err := s.store.DeleteConversation(ctx, id, owner); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return err
	}
	s.logger.Info("conversation deleted",
		zap.Int64("conversation_id", id),
		zap.String("user_id", owner),
	)
	return nil
}
