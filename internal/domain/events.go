package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType — тип доменного события партии.
type EventType string

const (
	EventBatchCreated EventType = "BatchCreated"
	EventAllocated    EventType = "Allocated"
	EventDeallocated  EventType = "Deallocated"
)

// AggregateTypeBatch — тип агрегата в outbox.
const AggregateTypeBatch = "batch"

// BatchCreated фиксирует регистрацию новой партии.
type BatchCreated struct {
	Reference  string     `json:"reference"`
	SKU        string     `json:"sku"`
	Qty        int        `json:"qty"`
	ETA        *time.Time `json:"eta,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Allocated фиксирует размещение строки заказа в партии.
type Allocated struct {
	OrderID    string    `json:"orderid"`
	SKU        string    `json:"sku"`
	Qty        int       `json:"qty"`
	BatchRef   string    `json:"batchref"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Deallocated фиксирует снятие строки заказа с партии.
type Deallocated struct {
	OrderID    string    `json:"orderid"`
	SKU        string    `json:"sku"`
	Qty        int       `json:"qty"`
	BatchRef   string    `json:"batchref"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// NewOutboxMessage сериализует событие партии в сообщение outbox.
func NewOutboxMessage(batchRef string, eventType EventType, event any) (OutboxMessage, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return OutboxMessage{
		AggregateType: AggregateTypeBatch,
		AggregateID:   batchRef,
		EventType:     string(eventType),
		Payload:       payload,
	}, nil
}
