// Команда dlq-reprocess перечитывает allocation.dlq и возвращает события
// партий в основной topic. Без --execute только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/iKonstantin1991/patterns-book/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "ALLOCATION_KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	eventTypes  set
	batchRefs   set
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// set пустой означает "без фильтра".
type set map[string]struct{}

func newSet(values []string) set {
	var s set
	for _, value := range values {
		if value = strings.TrimSpace(value); value == "" {
			continue
		}
		if s == nil {
			s = make(set)
		}
		s[value] = struct{}{}
	}
	return s
}

func (s set) allows(value string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[value]
	return ok
}

// selects применяет фильтры --event-type и --batch-ref.
func (c config) selects(eventType, batchRef string) bool {
	return c.eventTypes.allows(eventType) && c.batchRefs.allows(batchRef)
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayProducer реализуется kafka.Producer.
type replayProducer interface {
	Send(topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// replayDeps связывает клиентов Kafka одного запуска. producer задан только в режиме --execute.
type replayDeps struct {
	offsets  offsetClient
	consumer partitionConsumerSource
	producer replayProducer
}

func (d replayDeps) close() {
	for _, closer := range []interface{ Close() error }{d.producer, d.consumer, d.offsets} {
		if closer != nil {
			_ = closer.Close()
		}
	}
}

// saramaSource приводит sarama.Consumer к partitionConsumerSource.
type saramaSource struct{ sarama.Consumer }

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.Consumer.ConsumePartition(topic, partition, offset)
}

var dialReplay = func(cfg config) (replayDeps, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = "allocation-dlq-reprocess"
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return replayDeps{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDeps{}, fmt.Errorf("create kafka consumer: %w", err)
	}

	deps := replayDeps{offsets: client, consumer: saramaSource{consumer}}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, log.WithField("component", "dlq-reprocess"), kafka.WithClientID("dlq-reprocess"))
	if err != nil {
		deps.close()
		return replayDeps{}, err
	}
	deps.producer = producer
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := newApp().Run(os.Args); err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "dlq-reprocess",
		Usage: "replay allocation events from the dead letter topic",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "brokers", Usage: "comma-separated Kafka brokers", EnvVars: []string{envKafkaBrokers}},
			&cli.StringFlag{Name: "source-topic", Value: kafka.TopicDeadLetterQueue, Usage: "dead letter topic to scan"},
			&cli.StringFlag{Name: "target-topic", Value: kafka.TopicAllocationEvents, Usage: "topic used when a dead letter carries no x-original-topic header"},
			&cli.StringSliceFlag{Name: "event-type", Usage: "replay only these event types (BatchCreated, Allocated, Deallocated)"},
			&cli.StringSliceFlag{Name: "batch-ref", Usage: "replay only events of these batch references"},
			&cli.IntFlag{Name: "limit", Value: defaultReplayLimit, Usage: "max number of dead letters to scan"},
			&cli.BoolFlag{Name: "execute", Usage: "republish selected events; without it the run is a dry run"},
			&cli.BoolFlag{Name: "from-newest", Usage: "start each partition at newest-limit instead of the oldest offset"},
			&cli.DurationFlag{Name: "idle-timeout", Value: defaultIdleTimeout, Usage: "stop reading a partition after this long without messages"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFromCLI(c)
			if err != nil {
				return err
			}
			return run(c.Context, cfg)
		},
	}
}

func configFromCLI(c *cli.Context) (config, error) {
	cfg := config{
		brokers:     parseBrokers(c.String("brokers")),
		sourceTopic: strings.TrimSpace(c.String("source-topic")),
		targetTopic: strings.TrimSpace(c.String("target-topic")),
		eventTypes:  newSet(c.StringSlice("event-type")),
		batchRefs:   newSet(c.StringSlice("batch-ref")),
		limit:       c.Int("limit"),
		execute:     c.Bool("execute"),
		fromNewest:  c.Bool("from-newest"),
		idleTimeout: c.Duration("idle-timeout"),
	}

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (--brokers or %s)", envKafkaBrokers)
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.targetTopic == "":
		return config{}, errors.New("target-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

// parseBrokers принимает список через запятые и/или пробелы.
func parseBrokers(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
}

func run(ctx context.Context, cfg config) error {
	deps, err := dialReplay(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	r, err := newReplayer(cfg, deps, log.WithField("component", "dlq-reprocess"))
	if err != nil {
		return err
	}
	_, err = r.run(ctx)
	return err
}
