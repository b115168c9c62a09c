// Package outbox переносит события партий из transactional outbox в брокер.
package outbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
)

type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics подменяет метрики; nil оставляет метрики на DefaultRegisterer.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDLQPublisher включает DLQ: событие, исчерпавшее попытки, уходит туда перед пометкой failed.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

func WithBatchSize(size int) Option {
	return func(w *Worker) { w.batchSize = size }
}

func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) { w.maxAttempts = attempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// Worker опрашивает outbox и публикует pending-события.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.OutboxMetrics

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.metrics == nil {
		w.metrics = metrics.NewOutboxMetrics()
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	w.retryBaseDelay = max(w.retryBaseDelay, 0)
	return w
}

// Run выполняет цикл сразу и затем каждые pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: no repository or publisher")
		return
	}

	w.logger.WithFields(log.Fields{
		"poll_interval": w.pollInterval.String(),
		"batch_size":    w.batchSize,
		"max_attempts":  w.maxAttempts,
		"dlq":           w.dlq != nil,
	}).Info("outbox worker started")
	defer w.logger.Info("outbox worker stopped")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CycleResult считает события одного цикла по итогу доставки.
type CycleResult struct {
	Sent int
	// Failed исчерпали попытки и помечены failed, после DLQ, если он включён.
	Failed int
	// Deferred остались pending до следующего цикла.
	Deferred int
}

func (r *CycleResult) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeFailed:
		r.Failed++
	default:
		r.Deferred++
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeDeferred
)

// ProcessOnce выполняет один цикл. Событие, которое не дошло ни до брокера, ни до DLQ,
// остаётся pending, а следующие события той же партии ждут следующего цикла:
// порядок событий внутри партии не нарушается.
func (w *Worker) ProcessOnce(ctx context.Context) CycleResult {
	var result CycleResult
	if ctx.Err() != nil {
		return result
	}

	w.observeBacklog()
	defer w.observeBacklog()

	pending, err := w.repo.PullPending(w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox messages")
		return result
	}

	stalled := make(map[string]bool)
	for _, msg := range pending {
		if ctx.Err() != nil {
			break
		}
		if stalled[msg.AggregateID] {
			result.add(outcomeDeferred)
			continue
		}

		o := w.deliver(ctx, msg)
		if o == outcomeDeferred {
			stalled[msg.AggregateID] = true
		}
		result.add(o)
	}

	if result.Failed+result.Deferred > 0 {
		w.logger.WithFields(log.Fields{
			"sent":     result.Sent,
			"failed":   result.Failed,
			"deferred": result.Deferred,
		}).Warn("outbox cycle left undelivered events")
	}
	return result
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) outcome {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
		"batch_ref":  msg.AggregateID,
	})

	publishErr := w.publish(ctx, msg)
	switch {
	case publishErr == nil:
		if err := w.repo.MarkSent(msg.ID); err != nil {
			entry.WithError(err).Warn("mark outbox message sent")
			return outcomeDeferred
		}
		return outcomeSent
	case ctx.Err() != nil:
		// остановка посреди backoff: попытки не исчерпаны
		return outcomeDeferred
	}

	entry.WithError(publishErr).Error("outbox message undeliverable")
	w.metrics.RecordAttempt(metrics.PublishFailed)

	if w.dlq != nil {
		if err := w.sendToDLQ(msg, publishErr); err != nil {
			entry.WithError(err).Warn("dlq publish failed, message stays pending")
			w.metrics.RecordAttempt(metrics.PublishDLQFailed)
			return outcomeDeferred
		}
		w.metrics.RecordAttempt(metrics.PublishDLQ)
	}
	if err := w.repo.MarkFailed(msg.ID); err != nil {
		entry.WithError(err).Warn("mark outbox message failed")
		return outcomeDeferred
	}
	return outcomeFailed
}

// publish делает до maxAttempts попыток с экспоненциальной паузой между ними.
func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.publisher.Publish(msg); err == nil {
			w.metrics.RecordAttempt(metrics.PublishSent)
			return nil
		}
		w.metrics.RecordAttempt(metrics.PublishRetryError)
		if attempt == w.maxAttempts {
			break
		}
		if err := sleep(ctx, w.retryBackoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, err)
}

// retryBackoff: base, 2*base, 4*base... но не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.retryBaseDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) observeBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("collect outbox backlog stats")
		return
	}
	w.metrics.SetBacklog(stats.PendingCount, stats.OldestPendingAt, time.Now())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
