package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "allocation-service"

var errNoBrokers = errors.New("kafka brokers are required")

// ProducerOption правит конфигурацию sarama до создания producer.
type ProducerOption func(*sarama.Config)

// WithClientID задаёт client.id, под которым producer виден брокеру.
func WithClientID(id string) ProducerOption {
	return func(c *sarama.Config) {
		if id != "" {
			c.ClientID = id
		}
	}
}

// WithSendRetries ограничивает число повторов sarama на одно сообщение.
func WithSendRetries(n int) ProducerOption {
	return func(c *sarama.Config) {
		if n >= 0 {
			c.Producer.Retry.Max = n
		}
	}
}

// Producer синхронно пишет сообщения в Kafka: Send возвращается после подтверждения всех ISR.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

func NewProducer(brokers []string, logger *log.Entry, options ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}

	sp, err := sarama.NewSyncProducer(brokers, producerConfig(options...))
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer to %v: %w", brokers, err)
	}
	return newProducer(sp, logger), nil
}

func newProducer(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{sync: sp, logger: logger, now: time.Now}
}

// producerConfig включает idempotent producer: acks=all и один запрос в полёте на брокер.
func producerConfig(options ...ProducerOption) *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = defaultClientID
	c.Producer.Idempotent = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Return.Successes = true
	c.Producer.Retry.Max = 5
	c.Producer.Compression = sarama.CompressionSnappy
	c.Net.MaxOpenRequests = 1
	for _, option := range options {
		option(c)
	}
	return c
}

// SendJSON кодирует value в JSON и отправляет результат через Send.
func (p *Producer) SendJSON(topic, key string, value any, headers map[string]string) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}
	return p.Send(topic, key, body, headers)
}

// Send отправляет готовое тело сообщения. Заголовки пишутся в порядке ключей.
func (p *Producer) Send(topic, key string, value []byte, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(headers),
		Timestamp: p.now(),
	}

	entry := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		entry.WithError(err).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	entry.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka message acknowledged")
	return nil
}

func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	records := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		records = append(records, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return records
}
