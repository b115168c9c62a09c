package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

// deadLetter сохраняет исходное событие и причину отказа. dlq-reprocess
// восстанавливает по нему событие для повторной публикации.
type deadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	Attempts       int             `json:"attempts"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// sendToDLQ публикует в DLQ копию события, payload которой заменён на deadLetter.
func (w *Worker) sendToDLQ(msg domain.OutboxMessage, cause error) error {
	payload, err := json.Marshal(deadLetter{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        msg.Payload,
		PublishError:   cause.Error(),
		Attempts:       w.maxAttempts,
		DLQPublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	letter := msg
	letter.Payload = payload
	if err := w.dlq.Publish(letter); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
