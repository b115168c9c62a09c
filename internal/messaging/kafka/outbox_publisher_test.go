package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

func allocatedMessage() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateTypeBatch,
		AggregateID:   "batch-1",
		EventType:     "Allocated",
		Payload:       []byte(`{"orderid":"order-1"}`),
	}
}

func TestOutboxTopicPublisher_SendsEnvelope(t *testing.T) {
	p, mock := newTestProducer(t)
	var sent captured
	sent.expectSend(mock)

	publisher := NewOutboxPublisher(p, "")
	publisher.(*OutboxTopicPublisher).now = func() time.Time { return fixedNow }
	require.NoError(t, publisher.Publish(allocatedMessage()))

	msg := sent.last(t)
	assert.Equal(t, TopicAllocationEvents, msg.Topic)
	assert.Equal(t, "batch-1", encoded(t, msg.Key))
	assert.Equal(t, map[string]string{HeaderEventType: "Allocated", HeaderOutboxID: "outbox-1"}, headers(msg))

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(encoded(t, msg.Value)), &envelope))
	assert.Equal(t, NewEnvelope(allocatedMessage(), fixedNow), envelope)
}

func TestOutboxTopicPublisher_ProducerError(t *testing.T) {
	p, mock := newTestProducer(t)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := NewOutboxPublisher(p, "allocation.events.v2").Publish(allocatedMessage())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestDeadLetterPublisher_PassesPayloadThrough(t *testing.T) {
	p, mock := newTestProducer(t)
	var sent captured
	sent.expectSend(mock)

	publisher := NewDeadLetterPublisher(p, "", "")
	publisher.(*DeadLetterPublisher).now = func() time.Time { return fixedNow }
	require.NoError(t, publisher.Publish(domain.OutboxMessage{
		ID:        "outbox-4",
		EventType: "Allocated",
		Payload:   []byte(`{"publish_error":"boom"}`),
	}))

	msg := sent.last(t)
	assert.Equal(t, TopicDeadLetterQueue, msg.Topic)
	assert.Equal(t, "outbox-4", encoded(t, msg.Key), "without an aggregate id the outbox id keys the message")
	assert.Equal(t, `{"publish_error":"boom"}`, encoded(t, msg.Value))
	assert.Equal(t, map[string]string{
		HeaderEventType:     "Allocated",
		HeaderOutboxID:      "outbox-4",
		HeaderOriginalTopic: TopicAllocationEvents,
		HeaderFailedAt:      fixedNow.Format(time.RFC3339Nano),
	}, headers(msg))
}

func TestPublishers_WithoutProducer(t *testing.T) {
	for name, publisher := range map[string]domain.OutboxPublisher{
		"events": NewOutboxPublisher(nil, ""),
		"dlq":    NewDeadLetterPublisher(nil, "", ""),
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, publisher.Publish(allocatedMessage()), errPublisherNotReady)
		})
	}
}
