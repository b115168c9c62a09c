package app

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/metrics"
	"github.com/iKonstantin1991/patterns-book/internal/service/outbox"
	"github.com/iKonstantin1991/patterns-book/internal/service/retention"
)

// newOutboxWorker создаёт публикатор outbox.
// Без publishers события копятся в outbox и воркер не создаётся.
func newOutboxWorker(cfg Config, repo domain.OutboxRepository, publishers *eventPublishers, m *metrics.OutboxMetrics, logger *log.Entry) *outbox.Worker {
	if publishers == nil || publishers.events == nil || repo == nil {
		return nil
	}

	return outbox.NewWorker(
		repo,
		publishers.events,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(m),
		outbox.WithDLQPublisher(publishers.deadLetter),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
}

// newRetentionWorker создаёт воркер удаления просроченных idempotency-ключей
// и обработанных событий outbox. OutboxRetention=0 оставляет outbox нетронутым.
func newRetentionWorker(cfg Config, idempotencyRepo domain.IdempotencyRepository, outboxRepo domain.OutboxRepository, m *metrics.RetentionMetrics, logger *log.Entry) *retention.Worker {
	targets := []retention.Target{retention.IdempotencyKeys(idempotencyRepo)}
	if purger, ok := outboxRepo.(domain.OutboxPurger); ok && cfg.OutboxRetention > 0 {
		targets = append(targets, retention.ProcessedOutbox(purger, cfg.OutboxRetention))
	}

	worker := retention.NewWorker(
		targets,
		retention.WithLogger(logger.WithField("component", "retention")),
		retention.WithMetrics(m),
		retention.WithInterval(cfg.RetentionInterval),
		retention.WithBatchSize(cfg.RetentionBatchSize),
	)
	if len(worker.Targets()) == 0 {
		return nil
	}
	return worker
}

// startWorker запускает run в отдельной горутине. Останавливается через stopWorker.
func startWorker(ctx context.Context, run func(context.Context)) (context.CancelFunc, <-chan struct{}) {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(workerCtx)
	}()
	return cancel, done
}

// stopWorker отменяет контекст воркера и ждёт его завершения не дольше timeout.
func stopWorker(name string, cancel context.CancelFunc, done <-chan struct{}, timeout time.Duration, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}

	select {
	case <-done:
		logger.WithField("worker", name).Info("worker stopped")
	case <-time.After(timeout):
		logger.WithField("worker", name).Warn("worker did not stop in time")
	}
}
