// Package app собирает сервис аллокации из конфигурации и запускает его серверы и воркеры.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/iKonstantin1991/patterns-book/internal/health"
	"github.com/iKonstantin1991/patterns-book/internal/metrics"
	"github.com/iKonstantin1991/patterns-book/internal/service/allocation"
	"github.com/iKonstantin1991/patterns-book/internal/transport/httpapi"
	"github.com/iKonstantin1991/patterns-book/internal/version"
)

// grpcServiceName — имя сервиса в grpc.health.v1.
const grpcServiceName = "allocation.v1.AllocationService"

const defaultShutdownTimeout = 5 * time.Second

// Run запускает HTTP API, gRPC health, сервер метрик и фоновые воркеры
// и блокируется до отмены ctx или ошибки одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	listeners, err := listen(cfg.HTTPAddr, cfg.GRPCAddr, cfg.MetricsAddr)
	if err != nil {
		return err
	}

	service := allocation.NewService(deps.uows, metrics.NewAllocationMetrics(), logger.WithField("layer", "service"))
	api := httpapi.NewAPI(service, logger.WithField("layer", "http"),
		httpapi.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
		httpapi.WithIdempotencyMetrics(metrics.NewIdempotencyMetrics()),
	)

	// Без Kafka сервис продолжает работать: события копятся в outbox.
	publishers, err := initEventPublishers(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("continuing without kafka")
	}
	defer publishers.close(logger)

	var (
		outboxCancel    context.CancelFunc
		outboxDone      <-chan struct{}
		retentionCancel context.CancelFunc
		retentionDone   <-chan struct{}
	)
	if worker := newOutboxWorker(cfg, deps.outboxRepo, publishers, metrics.NewOutboxMetrics(), logger); worker != nil {
		outboxCancel, outboxDone = startWorker(ctx, worker.Run)
	}
	if worker := newRetentionWorker(cfg, deps.idempotencyRepo, deps.outboxRepo, metrics.NewRetentionMetrics(), logger); worker != nil {
		retentionCancel, retentionDone = startWorker(ctx, worker.Run)
	}
	defer stopWorker("retention", retentionCancel, retentionDone, cfg.ShutdownTimeout, logger)
	defer stopWorker("outbox", outboxCancel, outboxDone, cfg.ShutdownTimeout, logger)

	healthHandler := healthcheck.NewHandler(version.Get().Version)
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("outbox", healthcheck.NewBacklogChecker("outbox", cfg.OutboxMaxPending,
		func(context.Context) (int, error) {
			stats, err := deps.outboxRepo.Stats()
			return stats.PendingCount, err
		}))

	grpcSrv, healthSrv := newGRPCHealthServer()
	return serveAll(ctx, logger,
		newHTTPServer("http-api", listeners[0], api.Router(), cfg.ShutdownTimeout),
		newGRPCServer(listeners[1], grpcSrv, healthSrv, cfg.ShutdownTimeout),
		newHTTPServer("ops", listeners[2], newOpsMux(healthHandler), cfg.ShutdownTimeout),
	)
}

// newGRPCHealthServer отдаёт grpc.health.v1 и reflection за Prometheus-интерсепторами.
func newGRPCHealthServer() (*grpc.Server, *health.Server) {
	grpcMetrics := metrics.NewGRPCServerMetrics(prometheus.DefaultRegisterer)
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthSrv := health.NewServer()
	for _, name := range []string{"", grpcServiceName} {
		healthSrv.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, healthSrv)
	reflection.Register(srv)
	grpcMetrics.InitializeMetrics(srv)
	return srv, healthSrv
}

// newOpsMux собирает служебные endpoints: метрики и health checks.
func newOpsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}
