package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/middleware"
	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/service"
	natsclient "github.com/capitalize-ai/todo-assistant/internal/nats"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
	"github.com/capitalize-ai/todo-assistant/pkg/metrics"
)

// SSE event names.
const (
	EventConversation   = "conversation"
	EventToolCall       = "tool_call"
	EventResponse       = "response"
	EventDone           = "done"
	EventError          = "error"
	EventTurn           = "turn"
	EventReplayComplete = "replay_complete"
	EventHeartbeat      = "heartbeat"
)

// sseWriter starts the event stream lazily so that errors raised before the
// first event can still be reported with a proper status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) send(event string, data interface{}) error {
	s.start()
	return sendSSEEvent(s.w, s.flusher, event, data)
}

// ChatStream handles POST /api/{owner}/chat/stream. It runs the same turn as
// Chat and reports the conversation id, each tool call and the final reply
// as server-sent events.
func (h *ChatHandler) ChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetUserID(ctx)
	log := logger.FromContext(ctx, h.logger)

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Track active connection
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	resp, err := h.chat.HandleMessageStream(ctx, owner, req.ConversationID, req.Message, service.Observer{
		Conversation: func(id int64) {
			_ = sse.send(EventConversation, map[string]int64{"conversation_id": id})
		},
		ToolCall: func(inv model.ToolInvocation) {
			_ = sse.send(EventToolCall, inv)
		},
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("streamed chat turn failed", zap.Error(err))
		}
		msg := errorMessage(err, "failed to process message")
		if !sse.started {
			writeError(w, status, msg)
			return
		}
		_ = sse.send(EventError, &model.ErrorEvent{Code: "turn_failed", Message: msg})
		return
	}

	_ = sse.send(EventResponse, resp)
	_ = sse.send(EventDone, map[string]bool{"success": true})
}

// EventSource reads published turn events. *nats.StreamManager implements it.
type EventSource interface {
	GetEvents(ctx context.Context, filter string, afterSequence uint64, limit int) ([]model.TurnEvent, uint64, bool, error)
}

// EventsHandler streams an owner's turn events.
type EventsHandler struct {
	source       EventSource
	logger       *logger.Logger
	pollInterval time.Duration
	heartbeat    time.Duration
}

// NewEventsHandler creates a new events handler. source may be nil when
// event publishing is disabled.
func NewEventsHandler(source EventSource, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		source:       source,
		logger:       log,
		pollInterval: 2 * time.Second,
		heartbeat:    30 * time.Second,
	}
}

// ReplayCompleteEvent represents the completion of event replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// HeartbeatEvent keeps idle connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream handles GET /api/{owner}/events
// Supports ?after_sequence=N for resuming from a specific point and
// ?conversation_id=N to follow one conversation.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetUserID(ctx)
	log := logger.FromContext(ctx, h.logger)

	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	filter := natsclient.OwnerFilter(owner)
	if c := r.URL.Query().Get("conversation_id"); c != "" {
		id, err := middleware.ParseID(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = natsclient.ConversationFilter(owner, id)
	}

	// Parse after_sequence query param for replay
	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSequence = seq
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The stream outlives the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Warn("failed to clear write deadline", zap.Error(err))
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	// Replay missed events in batches.
	total := 0
	for {
		events, last, hasMore, err := h.source.GetEvents(ctx, filter, afterSequence, 50)
		if err != nil {
			log.Error("failed to replay events", zap.Error(err))
			_ = sse.send(EventError, &model.ErrorEvent{Code: "replay_error", Message: "Failed to replay events"})
			return
		}
		sent, err := sendOwned(sse, owner, events)
		if err != nil {
			return
		}
		total += sent
		if last > afterSequence {
			afterSequence = last
		}
		if !hasMore {
			break
		}
	}

	_ = sse.send(EventReplayComplete, &ReplayCompleteEvent{
		LastSequence: afterSequence,
		EventCount:   total,
	})
	log.Info("event replay complete", zap.Int("events_replayed", total), zap.Uint64("last_sequence", afterSequence))

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected")
			return

		case <-heartbeat.C:
			_ = sse.send(EventHeartbeat, &HeartbeatEvent{Timestamp: time.Now()})

		case <-poll.C:
			events, last, _, err := h.source.GetEvents(ctx, filter, afterSequence, 50)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("failed to poll events", zap.Error(err))
				continue
			}
			if _, err := sendOwned(sse, owner, events); err != nil {
				return
			}
			if last > afterSequence {
				afterSequence = last
			}
		}
	}
}

// sendOwned forwards the events that belong to owner and returns how many
// were sent.
func sendOwned(sse *sseWriter, owner string, events []model.TurnEvent) (int, error) {
	sent := 0
	for i := range events {
		if events[i].OwnerID != owner {
			continue
		}
		if err := sse.send(EventTurn, &events[i]); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
