package kafka

import (
	"errors"
	"maps"
	"time"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

var errPublisherNotReady = errors.New("kafka publisher has no producer")

// OutboxTopicPublisher отправляет записи outbox в основной topic в виде Envelope.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    orDefault(topic, TopicAllocationEvents),
		now:      time.Now,
	}
}

func (p *OutboxTopicPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}
	return p.producer.SendJSON(p.topic, partitionKey(msg), NewEnvelope(msg, p.now()), outboxHeaders(msg))
}

// DeadLetterPublisher кладёт в DLQ payload, который worker уже дополнил описанием ошибки.
// Заголовок x-original-topic указывает, куда вернуть событие при повторной обработке.
type DeadLetterPublisher struct {
	producer      *Producer
	topic         string
	originalTopic string
	now           func() time.Time
}

func NewDeadLetterPublisher(producer *Producer, topic, originalTopic string) domain.OutboxPublisher {
	return &DeadLetterPublisher{
		producer:      producer,
		topic:         orDefault(topic, TopicDeadLetterQueue),
		originalTopic: orDefault(originalTopic, TopicAllocationEvents),
		now:           time.Now,
	}
}

func (p *DeadLetterPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}

	headers := outboxHeaders(msg)
	maps.Copy(headers, map[string]string{
		HeaderOriginalTopic: p.originalTopic,
		HeaderFailedAt:      p.now().UTC().Format(time.RFC3339Nano),
	})
	return p.producer.Send(p.topic, partitionKey(msg), msg.Payload, headers)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

var (
	_ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
	_ domain.OutboxPublisher = (*DeadLetterPublisher)(nil)
)
