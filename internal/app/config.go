package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// StorageDriver выбирает реализацию хранилища партий.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// envPrefix — префикс переменных окружения сервиса (ALLOCATION_HTTP_ADDR и т.д.).
const envPrefix = "allocation"

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR"`
	GRPCAddr    string `envconfig:"GRPC_ADDR"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	StorageDriver       StorageDriver `envconfig:"STORAGE_DRIVER"`
	PostgresDSN         string        `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool          `envconfig:"POSTGRES_AUTO_MIGRATE"`
	PostgresMaxConns    int           `envconfig:"POSTGRES_MAX_CONNS"`

	// KafkaBrokers: список брокеров через запятую; пустое значение отключает публикацию outbox.
	KafkaBrokers  string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string `envconfig:"KAFKA_TOPIC"`
	KafkaDLQTopic string `envconfig:"KAFKA_DLQ_TOPIC"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY"`
	// OutboxMaxPending: размер backlog, выше которого /healthz отдаёт degraded.
	OutboxMaxPending int `envconfig:"OUTBOX_MAX_PENDING"`
	// OutboxRetention: сколько хранить sent/failed события; 0 отключает их удаление.
	OutboxRetention time.Duration `envconfig:"OUTBOX_RETENTION"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL"`

	RetentionInterval  time.Duration `envconfig:"RETENTION_INTERVAL"`
	RetentionBatchSize int           `envconfig:"RETENTION_BATCH_SIZE"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`
	LogLevel        string        `envconfig:"LOG_LEVEL"`
	// LogFormat: text для терминала или json для сборщика логов.
	LogFormat string `envconfig:"LOG_FORMAT"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,
		KafkaTopic:          "allocation.events",
		KafkaDLQTopic:       "allocation.dlq",
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    200 * time.Millisecond,
		OutboxMaxPending:    1000,
		OutboxRetention:     7 * 24 * time.Hour,
		IdempotencyTTL:      24 * time.Hour,
		RetentionInterval:   10 * time.Minute,
		RetentionBatchSize:  500,
		ShutdownTimeout:     5 * time.Second,
		LogLevel:            "info",
		LogFormat:           logFormatText,
	}
}

// LoadConfig накладывает переменные окружения ALLOCATION_* поверх DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres dsn is required for %q storage driver", c.StorageDriver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	if c.HTTPAddr == "" || c.GRPCAddr == "" || c.MetricsAddr == "" {
		return fmt.Errorf("listen addresses must not be empty")
	}
	if c.KafkaBrokers != "" && (c.KafkaTopic == "" || c.KafkaDLQTopic == "") {
		return fmt.Errorf("kafka topic and dlq topic are required when brokers are set")
	}
	if c.StorageDriver == StorageDriverPostgres && c.PostgresMaxConns <= 0 {
		return fmt.Errorf("postgres max conns must be greater than zero")
	}
	if c.OutboxMaxPending <= 0 {
		return fmt.Errorf("outbox max pending must be greater than zero")
	}
	if c.OutboxRetention < 0 || c.IdempotencyTTL < 0 {
		return fmt.Errorf("retention durations must not be negative")
	}
	if c.LogFormat != logFormatText && c.LogFormat != logFormatJSON {
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	return nil
}

// brokerList разбирает KafkaBrokers, отбрасывая пустые элементы.
func (c Config) brokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
