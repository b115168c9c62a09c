package kafka

import (
	"encoding/json"
	"time"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

const (
	TopicAllocationEvents = "allocation.events"
	TopicDeadLetterQueue  = "allocation.dlq"
)

// Заголовки сообщений outbox. Два последних есть только у сообщений в DLQ.
const (
	HeaderEventType     = "x-event-type"
	HeaderOutboxID      = "x-outbox-id"
	HeaderOriginalTopic = "x-original-topic"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope оборачивает payload события в основном topic.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       msg.Payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// outboxHeaders связывает сообщение Kafka с исходной записью outbox.
func outboxHeaders(msg domain.OutboxMessage) map[string]string {
	return map[string]string{
		HeaderEventType: msg.EventType,
		HeaderOutboxID:  msg.ID,
	}
}

// partitionKey держит события одной партии в одной partition.
func partitionKey(msg domain.OutboxMessage) string {
	if msg.AggregateID == "" {
		return msg.ID
	}
	return msg.AggregateID
}
