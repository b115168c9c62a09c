package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/messaging/kafka"
)

// eventPublishers — публикаторы событий партий в основной topic и в DLQ.
type eventPublishers struct {
	events     domain.OutboxPublisher
	deadLetter domain.OutboxPublisher
	closeFn    func() error
}

// initEventPublishers подключается к Kafka, если брокеры заданы.
// Возвращает nil, nil при пустом списке брокеров.
func initEventPublishers(cfg Config, logger *log.Entry) (*eventPublishers, error) {
	brokers := cfg.brokerList()
	if len(brokers) == 0 {
		logger.Info("kafka brokers are not configured, events stay in outbox")
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.WithFields(log.Fields{
		"brokers":   brokers,
		"topic":     cfg.KafkaTopic,
		"dlq_topic": cfg.KafkaDLQTopic,
	}).Info("kafka producer initialized")

	return &eventPublishers{
		events:     kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		deadLetter: kafka.NewDeadLetterPublisher(producer, cfg.KafkaDLQTopic, cfg.KafkaTopic),
		closeFn:    producer.Close,
	}, nil
}

func (p *eventPublishers) close(logger *log.Entry) {
	if p == nil || p.closeFn == nil {
		return
	}

	if err := p.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
