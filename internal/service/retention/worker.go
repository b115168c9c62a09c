// Package retention периодически удаляет устаревшие записи: просроченные
// idempotency-ключи и обработанные события outbox.
package retention

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/metrics"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 500
)

// Имена целей в логах и метриках.
const (
	TargetIdempotency = "idempotency"
	TargetOutbox      = "outbox"
)

// Purger удаляет до limit записей, устаревших к before, и возвращает их число.
type Purger func(before time.Time, limit int) (int, error)

// Target описывает одну цель очистки.
type Target struct {
	Name  string
	Purge Purger
	// Retention сдвигает границу удаления в прошлое относительно текущего времени.
	Retention time.Duration
}

// IdempotencyKeys удаляет ключи с истёкшим TTL.
func IdempotencyKeys(repo domain.IdempotencyRepository) Target {
	target := Target{Name: TargetIdempotency}
	if repo != nil {
		target.Purge = repo.DeleteExpired
	}
	return target
}

// ProcessedOutbox удаляет sent/failed события старше retention.
func ProcessedOutbox(repo domain.OutboxPurger, retention time.Duration) Target {
	target := Target{Name: TargetOutbox, Retention: retention}
	if repo != nil {
		target.Purge = repo.PurgeProcessed
	}
	return target
}

// Options задаёт параметры Worker.
type Options struct {
	Logger    *log.Entry
	Metrics   *metrics.RetentionMetrics
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

func WithMetrics(m *metrics.RetentionMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) { opts.Now = now }
}

func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithBatchSize задаёт размер одного удаления; цель очищается пачками до неполной.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) { opts.BatchSize = batchSize }
}

// Worker обходит цели по таймеру.
type Worker struct {
	targets   []Target
	logger    *log.Entry
	metrics   *metrics.RetentionMetrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewWorker создаёт воркер. Цели без Purge пропускаются.
func NewWorker(targets []Target, options ...Option) *Worker {
	opts := Options{Interval: defaultInterval, BatchSize: defaultBatchSize}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "retention-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRetentionMetrics()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	active := make([]Target, 0, len(targets))
	for _, target := range targets {
		if target.Purge != nil {
			active = append(active, target)
		}
	}

	return &Worker{
		targets:   active,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// Targets возвращает имена активных целей.
func (w *Worker) Targets() []string {
	names := make([]string, 0, len(w.targets))
	for _, target := range w.targets {
		names = append(names, target.Name)
	}
	return names
}

// Run выполняет Sweep сразу и затем каждые interval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if len(w.targets) == 0 {
		w.logger.Warn("retention worker has no targets")
		return
	}

	w.logger.WithFields(log.Fields{
		"targets":    w.Targets(),
		"interval":   w.interval.String(),
		"batch_size": w.batchSize,
	}).Info("retention worker started")

	w.Sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep один раз проходит все цели и возвращает число удалённых записей по имени цели.
// Ошибка одной цели не останавливает остальные.
func (w *Worker) Sweep(ctx context.Context) map[string]int {
	now := w.now()
	result := make(map[string]int, len(w.targets))

	for _, target := range w.targets {
		entry := w.logger.WithField("target", target.Name)
		deleted, err := w.purge(ctx, target, now.Add(-target.Retention))
		result[target.Name] = deleted

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return result
			}
			w.metrics.RecordSweep(target.Name, metrics.ResultError, deleted)
			entry.WithError(err).Warn("retention sweep failed")
			continue
		}

		w.metrics.RecordSweep(target.Name, metrics.ResultOK, deleted)
		if deleted > 0 {
			entry.WithField("deleted", deleted).Info("retention sweep completed")
		}
	}
	return result
}

func (w *Worker) purge(ctx context.Context, target Target, before time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := target.Purge(before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted > 0 {
			w.metrics.RecordDeleted(target.Name, deleted)
		}

		if deleted < w.batchSize {
			return total, nil
		}
	}
}
