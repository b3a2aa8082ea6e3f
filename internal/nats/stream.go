package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/pkg/metrics"
)

const (
	// StreamName is the name of the chat event stream.
	StreamName = "TODO_CHAT"

	// SubjectPrefix is the prefix for all chat event subjects.
	SubjectPrefix = "chat"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the chat event stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Chat turn and partial-failure events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// SubjectToken encodes s as a single subject token. The encoding is
// injective and uses only characters that are legal in a token, so distinct
// owner ids never share a subject.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// EventSubject returns the subject for an event.
func EventSubject(ownerID string, conversationID int64, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%d.event.%s", SubjectPrefix, SubjectToken(ownerID), conversationID, eventType)
}

// ConversationFilter returns the filter subject for all events in a conversation.
func ConversationFilter(ownerID string, conversationID int64) string {
	return fmt.Sprintf("%s.%s.%d.>", SubjectPrefix, SubjectToken(ownerID), conversationID)
}

// OwnerFilter returns the filter subject for all events of one owner.
func OwnerFilter(ownerID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, SubjectToken(ownerID))
}

// PublishEvent publishes an event to JetStream.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.TurnEvent) (uint64, error) {
	subject := EventSubject(event.OwnerID, event.ConversationID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Type), "error").Inc()
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type), "ok").Inc()

	return ack.Sequence, nil
}

// GetEvents reads up to limit events matching filter, starting after a
// stream sequence. It returns the events, the last sequence read and whether
// more may be available.
func (m *StreamManager) GetEvents(ctx context.Context, filter string, afterSequence uint64, limit int) ([]model.TurnEvent, uint64, bool, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: filter,
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []model.TurnEvent
	var lastSequence uint64
	for msg := range batch.Messages() {
		if meta, err := msg.Metadata(); err == nil {
			lastSequence = meta.Sequence.Stream
		}
		var event model.TurnEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return events, lastSequence, len(events) == limit, nil
}
