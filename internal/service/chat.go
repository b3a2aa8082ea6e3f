// Package service provides the business logic of the todo assistant: the
// chat orchestrator, conversation management and task management.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/llm"
	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
	"github.com/capitalize-ai/todo-assistant/internal/tools"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
	"github.com/capitalize-ai/todo-assistant/pkg/metrics"
	"github.com/capitalize-ai/todo-assistant/pkg/tracing"
)

var (
	// ErrValidation is returned for malformed requests. Nothing has been
	// read or written when it is returned.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden is returned when a conversation is missing or owned by
	// someone else. Both cases look the same to the caller.
	ErrForbidden = errors.New("forbidden")

	errNoReasoner = errors.New("no reasoning backend configured")
)

// FallbackReply is persisted and returned when the reasoner fails.
const FallbackReply = "I'm unable to process that right now. Please try again in a moment."

// MaxMessageLength bounds a chat message in runes.
const MaxMessageLength = 10000

// DefaultSystemPrompt instructs the reasoner how to use the task tools.
const DefaultSystemPrompt = `You are a friendly assistant that manages the user's todo list.
Use the provided tools to add, list, complete, delete and update tasks.
When the user refers to a task by name instead of number, call list_tasks first.
If several tasks match, list them with their numbers and ask which one they meant.
If a tool reports an error, explain it briefly and ask the user how to proceed.
Tools always act on the current user; never ask for or pass a user id.
Keep replies short.`

// ChatConfig tunes the orchestrator. Zero values take defaults.
type ChatConfig struct {
	Model           string
	SystemPrompt    string
	MaxTokens       int
	HistoryLimit    int
	MaxToolRounds   int
	ReasonerTimeout time.Duration
}

func (c ChatConfig) withDefaults() ChatConfig {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 5
	}
	if c.ReasonerTimeout <= 0 {
		c.ReasonerTimeout = 10 * time.Second
	}
	return c
}

// Observer receives progress during a turn. Either field may be nil.
type Observer struct {
	Conversation func(conversationID int64)
	ToolCall     func(inv model.ToolInvocation)
}

// ChatService runs stateless chat turns: every call reloads history from the
// conversation store and persists the turn before returning.
type ChatService struct {
	conversations store.ConversationStore
	registry      *tools.Registry
	reasoner      llm.Client
	events        EventPublisher
	cfg           ChatConfig
	locks         *keyedMutex
	logger        *logger.Logger
}

// NewChatService creates a chat service. reasoner may be nil, in which case
// every turn gets the fallback reply; events may be nil.
func NewChatService(
	conversations store.ConversationStore,
	registry *tools.Registry,
	reasoner llm.Client,
	events EventPublisher,
	cfg ChatConfig,
	log *logger.Logger,
) *ChatService {
	if events == nil {
		events = NopPublisher{}
	}
	return &ChatService{
		conversations: conversations,
		registry:      registry,
		reasoner:      reasoner,
		events:        events,
		cfg:           cfg.withDefaults(),
		locks:         newKeyedMutex(),
		logger:        log,
	}
}

// HandleMessage runs one turn for owner. A nil conversationID starts a new
// conversation.
func (s *ChatService) HandleMessage(ctx context.Context, owner string, conversationID *int64, text string) (*model.ChatResponse, error) {
	return s.handle(ctx, owner, conversationID, text, Observer{})
}

// HandleMessageStream is HandleMessage with progress callbacks.
func (s *ChatService) HandleMessageStream(ctx context.Context, owner string, conversationID *int64, text string, obs Observer) (*model.ChatResponse, error) {
	return s.handle(ctx, owner, conversationID, text, obs)
}

func (s *ChatService) handle(ctx context.Context, owner string, conversationID *int64, text string, obs Observer) (*model.ChatResponse, error) {
	start := time.Now()

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	text, err := validateMessage(text)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Tracer().Start(ctx, "chat.turn")
	defer span.End()

	conv, err := s.resolveConversation(ctx, owner, conversationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("conversation.id", conv.ID))
	if obs.Conversation != nil {
		obs.Conversation(conv.ID)
	}

	log := logger.FromContext(ctx, s.logger).With(
		zap.String("user_id", owner),
		zap.Int64("conversation_id", conv.ID),
	)

	unlock, err := s.locks.Lock(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("wait for conversation: %w", err)
	}
	defer unlock()

	history, err := s.conversations.ListMessages(ctx, conv.ID, s.cfg.HistoryLimit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load history: %w", err)
	}

	reply, invocations, fallbackReason := s.runReasoner(ctx, log, owner, history, text, obs)
	fallback := fallbackReason != ""
	if fallback {
		log.Warn("reasoner unavailable, using fallback reply", zap.String("reason", fallbackReason))
		reply = FallbackReply
	}

	if _, err := s.conversations.AppendTurn(ctx, conv.ID, owner, text, reply); err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordTurn("error", time.Since(start).Seconds())
		if mutated(invocations) {
			log.Error("turn persistence failed after task mutation",
				zap.Error(err),
				zap.Any("tool_calls", invocations),
			)
			metrics.ChatPartialFailures.Inc()
			s.publish(ctx, log, &model.TurnEvent{
				Type:           model.EventTypePartialFailure,
				OwnerID:        owner,
				ConversationID: conv.ID,
				ToolCalls:      invocations,
				Reason:         err.Error(),
				LatencyMs:      time.Since(start).Milliseconds(),
			})
		} else {
			log.Error("turn persistence failed", zap.Error(err))
		}
		return nil, fmt.Errorf("persist turn: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()

	event := &model.TurnEvent{
		Type:           model.EventTypeTurn,
		OwnerID:        owner,
		ConversationID: conv.ID,
		ToolCalls:      invocations,
		LatencyMs:      time.Since(start).Milliseconds(),
	}
	outcome := "ok"
	if fallback {
		event.Type, event.Fallback, event.Reason = model.EventTypeFallback, true, fallbackReason
		outcome = "fallback"
	}
	s.publish(ctx, log, event)
	metrics.RecordTurn(outcome, time.Since(start).Seconds())

	log.Info("chat turn completed",
		zap.Int("tool_calls", len(invocations)),
		zap.Bool("fallback", fallback),
		zap.Duration("duration", time.Since(start)),
	)

	return &model.ChatResponse{
		ConversationID: conv.ID,
		Response:       reply,
		ToolCalls:      invocations,
	}, nil
}

func validateMessage(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: message must be valid UTF-8", ErrValidation)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: message is required", ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrValidation, MaxMessageLength)
	}
	return text, nil
}

// resolveConversation creates a conversation or checks ownership of an
// existing one. No history is read here.
func (s *ChatService) resolveConversation(ctx context.Context, owner string, id *int64) (*model.Conversation, error) {
	if id == nil {
		conv, err := s.conversations.CreateConversation(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		metrics.ConversationsTotal.Inc()
		return conv, nil
	}

	conv, err := s.conversations.GetConversation(ctx, *id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %d", ErrForbidden, *id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv.OwnerID != owner {
		return nil, fmt.Errorf("%w: conversation %d", ErrForbidden, *id)
	}
	return conv, nil
}

// runReasoner drives the tool loop. A non-empty fallbackReason means no
// usable reply was produced.
func (s *ChatService) runReasoner(
	ctx context.Context,
	log *logger.Logger,
	owner string,
	history []model.Message,
	text string,
	obs Observer,
) (reply string, invocations []model.ToolInvocation, fallbackReason string) {
	if s.reasoner == nil {
		return "", nil, errNoReasoner.Error()
	}

	schemas, err := s.registry.Schemas()
	if err != nil {
		return "", nil, err.Error()
	}
	specs := make([]llm.ToolSpec, 0, len(schemas))
	for _, sc := range schemas {
		specs = append(specs, llm.ToolSpec{Name: sc.Name, Description: sc.Description, Parameters: sc.Parameters})
	}

	// A truncated window can open mid-turn. Providers require the
	// conversation to start with a user message.
	for len(history) > 0 && history[0].Role != model.RoleUser {
		history = history[1:]
	}

	msgs := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: text})

	req := &llm.CompletionRequest{
		Model:     s.cfg.Model,
		System:    s.cfg.SystemPrompt,
		Messages:  msgs,
		Tools:     specs,
		MaxTokens: s.cfg.MaxTokens,
	}

	for round := 0; ; round++ {
		resp, err := s.propose(ctx, req)
		if err != nil {
			return "", invocations, err.Error()
		}
		if len(resp.ToolCalls) == 0 {
			reply = strings.TrimSpace(resp.Content)
			if reply == "" {
				return "", invocations, "empty reply"
			}
			return reply, invocations, ""
		}
		if round >= s.cfg.MaxToolRounds {
			log.Warn("tool round limit reached", zap.Int("rounds", round))
			if reply = strings.TrimSpace(resp.Content); reply != "" {
				return reply, invocations, ""
			}
			return "", invocations, "tool round limit reached"
		}

		req.Messages = append(req.Messages, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			inv := s.runTool(ctx, log, owner, call)
			invocations = append(invocations, *inv)
			if obs.ToolCall != nil {
				obs.ToolCall(*inv)
			}

			content, err := json.Marshal(inv.Result)
			if err != nil {
				content = []byte(`{"status":"error","error":"unencodable result"}`)
			}
			req.Messages = append(req.Messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    string(content),
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    inv.Status == model.ToolStatusError,
			})
		}
	}
}

// propose calls the reasoner under ReasonerTimeout. The call runs in its own
// goroutine so a backend that ignores cancellation cannot hold the turn.
func (s *ChatService) propose(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReasonerTimeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", s.reasoner.Name()))

	type result struct {
		resp *llm.CompletionResponse
		err  error
	}
	start := time.Now()
	ch := make(chan result, 1)
	go func() {
		resp, err := s.reasoner.Complete(ctx, req)
		ch <- result{resp, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err == nil && r.resp == nil {
		r.err = errors.New("reasoner returned no response")
	}

	if r.err != nil {
		span.SetStatus(codes.Error, r.err.Error())
		metrics.RecordLLMRequest(s.reasoner.Name(), "", "error", time.Since(start).Seconds(), 0, 0)
		return nil, fmt.Errorf("%s: %w", s.reasoner.Name(), r.err)
	}
	metrics.RecordLLMRequest(s.reasoner.Name(), r.resp.Model, "success", time.Since(start).Seconds(), r.resp.TokensIn, r.resp.TokensOut)
	return r.resp, nil
}

func (s *ChatService) runTool(ctx context.Context, log *logger.Logger, owner string, call llm.ToolCall) *model.ToolInvocation {
	ctx, span := tracing.Tracer().Start(ctx, "tool."+call.Name)
	defer span.End()
	start := time.Now()

	args, err := call.DecodeArguments()
	var inv *model.ToolInvocation
	if err != nil {
		err = fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err)
		inv = &model.ToolInvocation{
			ToolName:   call.Name,
			Parameters: map[string]any{"user_id": owner},
			Result:     tools.ErrorResult(err),
			Status:     model.ToolStatusError,
		}
	} else {
		inv, err = s.registry.Execute(ctx, owner, call.Name, args)
	}

	metrics.RecordToolCall(call.Name, string(inv.Status), time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Info("tool call failed", zap.String("tool", call.Name), zap.Error(err))
	}
	return inv
}

func (s *ChatService) publish(ctx context.Context, log *logger.Logger, event *model.TurnEvent) {
	event.ID = uuid.Must(uuid.NewV7()).String()
	event.CreatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := s.events.PublishEvent(ctx, event); err != nil {
		log.Warn("failed to publish chat event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// mutated reports whether any invocation changed task state.
func mutated(invs []model.ToolInvocation) bool {
	for _, inv := range invs {
		switch inv.Status {
		case model.ToolStatusCreated, model.ToolStatusUpdated, model.ToolStatusCompleted, model.ToolStatusDeleted:
			return true
		}
	}
	return false
}
