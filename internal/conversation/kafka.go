package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the part of *kgo.Client the mirror needs.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Event types published by KafkaMirror.
const (
	EventCreated      = "conversation.created"
	EventEnded        = "conversation.ended"
	EventMessageSaved = "conversation.message"
)

// Event is the record value published for every conversation change.
type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	Timestamp      int64          `json:"timestamp"`
	Conversation   *Conversation  `json:"conversation,omitempty"`
	Message        *MessageRecord `json:"message,omitempty"`
}

// KafkaMirror wraps a Service and publishes an Event after each successful
// create, end and message save. Records are keyed by conversation id so one
// conversation stays on one partition. Publishing is asynchronous and a
// failed publish never fails the wrapped call.
type KafkaMirror struct {
	Service
	producer Producer
	topic    string
	logger   zerolog.Logger
}

func NewKafkaMirror(inner Service, producer Producer, topic string, logger zerolog.Logger) *KafkaMirror {
	return &KafkaMirror{
		Service:  inner,
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "conversation_mirror").Str("topic", topic).Logger(),
	}
}

func (m *KafkaMirror) emit(ctx context.Context, ev Event) {
	ev.Timestamp = time.Now().UnixMilli()
	value, err := json.Marshal(ev)
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.ErrorSeverityWarning)
		m.logger.Error().Err(err).Str("event", ev.Type).Msg("Failed to encode conversation event")
		return
	}

	record := &kgo.Record{
		Topic: m.topic,
		Key:   []byte(ev.ConversationID),
		Value: value,
	}
	// The record outlives the request that produced it.
	m.producer.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			monitoring.RecordError(monitoring.ErrorTypeConversation, monitoring.ErrorSeverityWarning)
			m.logger.Warn().
				Err(err).
				Str("event", ev.Type).
				Str("conversation_id", ev.ConversationID).
				Msg("Failed to publish conversation event")
		}
	})
}

func (m *KafkaMirror) Create(ctx context.Context, c *Conversation) (*Conversation, error) {
	created, err := m.Service.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, Event{Type: EventCreated, ConversationID: created.ID, Conversation: created})
	return created, nil
}

func (m *KafkaMirror) End(ctx context.Context, id, endType string) (*Conversation, error) {
	ended, err := m.Service.End(ctx, id, endType)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, Event{Type: EventEnded, ConversationID: id, Conversation: ended})
	return ended, nil
}

func (m *KafkaMirror) SaveMessage(ctx context.Context, rec *MessageRecord) (*MessageRecord, error) {
	saved, err := m.Service.SaveMessage(ctx, rec)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, Event{Type: EventMessageSaved, ConversationID: saved.ConversationID, Message: saved})
	return saved, nil
}
