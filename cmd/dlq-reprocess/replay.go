package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/messaging/kafka"
)

var (
	errNotDeadLetter     = errors.New("message is not an outbox dead letter")
	errEmptyEventPayload = errors.New("dead letter does not contain original event payload")
)

// deadLetter совпадает с тем, что outbox worker пишет в DLQ.
type deadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	Attempts      int             `json:"attempts"`
}

type replayMessage struct {
	topic     string
	key       string
	eventType string
	batchRef  string
	outboxID  string
	value     []byte
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s replayStats) plus(other replayStats) replayStats {
	return replayStats{
		scanned:  s.scanned + other.scanned,
		replayed: s.replayed + other.replayed,
		skipped:  s.skipped + other.skipped,
	}
}

// replayer обходит партиции DLQ по возрастанию номера, пока не исчерпан cfg.limit.
type replayer struct {
	cfg    config
	deps   replayDeps
	logger *log.Entry
}

func newReplayer(cfg config, deps replayDeps, logger *log.Entry) (*replayer, error) {
	if deps.offsets == nil || deps.consumer == nil {
		return nil, errors.New("kafka client and consumer are required")
	}
	if cfg.execute && deps.producer == nil {
		return nil, errors.New("producer is required in execute mode")
	}
	return &replayer{cfg: cfg, deps: deps, logger: logger}, nil
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	r.logger.WithFields(log.Fields{
		"source_topic": r.cfg.sourceTopic,
		"target_topic": r.cfg.targetTopic,
		"limit":        r.cfg.limit,
		"execute":      r.cfg.execute,
	}).Info("dlq replay started")

	partitions, err := r.deps.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return replayStats{}, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	var total replayStats
	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		stats, err := r.drainPartition(ctx, partition, budget)
		total = total.plus(stats)
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"dry_run":  !r.cfg.execute,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// drainPartition читает не больше budget сообщений и останавливается на offset,
// который был последним при старте: переотправленные события не читаются повторно.
func (r *replayer) drainPartition(ctx context.Context, partition int32, budget int) (replayStats, error) {
	var stats replayStats

	first, err := r.deps.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err := r.deps.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if end <= first {
		return stats, nil
	}
	if r.cfg.fromNewest {
		first = max(end-int64(budget), first)
	}

	pc, err := r.deps.consumer.ConsumePartition(r.cfg.sourceTopic, partition, first)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.scanned++
			replayed, err := r.handle(msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= end {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// handle возвращает true, если сообщение выбрано фильтрами (и переотправлено в режиме execute).
func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, err := decodeDeadLetter(msg, r.cfg.targetTopic)
	if err != nil {
		entry.WithError(err).Warn("skip unsupported dlq message")
		return false, nil
	}
	if !r.cfg.selects(replay.eventType, replay.batchRef) {
		return false, nil
	}

	entry = entry.WithFields(log.Fields{
		"target_topic": replay.topic,
		"batch_ref":    replay.batchRef,
		"event_type":   replay.eventType,
	})
	if !r.cfg.execute {
		entry.Info("dlq replay candidate")
		return true, nil
	}

	err = r.deps.producer.Send(replay.topic, replay.key, replay.value, map[string]string{
		kafka.HeaderEventType: replay.eventType,
		kafka.HeaderOutboxID:  replay.outboxID,
	})
	if err != nil {
		return false, fmt.Errorf("republish outbox %s: %w", replay.outboxID, err)
	}
	entry.Debug("dlq message republished")
	return true, nil
}

// decodeDeadLetter собирает kafka.Envelope исходного события.
// Topic берётся из заголовка x-original-topic, ключ из ссылки партии.
func decodeDeadLetter(msg *sarama.ConsumerMessage, fallbackTopic string) (replayMessage, error) {
	var letter deadLetter
	if err := json.Unmarshal(msg.Value, &letter); err != nil {
		return replayMessage{}, fmt.Errorf("decode dead letter: %w", err)
	}
	switch {
	case letter.OutboxID == "" || letter.EventType == "":
		return replayMessage{}, errNotDeadLetter
	case len(letter.Payload) == 0 || string(letter.Payload) == "null":
		return replayMessage{}, errEmptyEventPayload
	}

	value, err := json.Marshal(kafka.NewEnvelope(domain.OutboxMessage{
		ID:            letter.OutboxID,
		AggregateType: letter.AggregateType,
		AggregateID:   letter.AggregateID,
		EventType:     letter.EventType,
		Payload:       letter.Payload,
	}, time.Now()))
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	replay := replayMessage{
		topic:     fallbackTopic,
		key:       letter.AggregateID,
		eventType: letter.EventType,
		batchRef:  letter.AggregateID,
		outboxID:  letter.OutboxID,
		value:     value,
	}
	for _, header := range msg.Headers {
		if header != nil && string(header.Key) == kafka.HeaderOriginalTopic {
			if topic := strings.TrimSpace(string(header.Value)); topic != "" {
				replay.topic = topic
			}
		}
	}
	if replay.key == "" {
		replay.key = replay.outboxID
	}
	return replay, nil
}
