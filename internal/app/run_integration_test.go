package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthcheck "github.com/iKonstantin1991/patterns-book/internal/health"
)

// runningService поднимает Run на свободных портах и ждёт готовности /readyz.
type runningService struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan error
}

func startService(t *testing.T, cfg Config) *runningService {
	t.Helper()

	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.GRPCAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	svc := &runningService{cfg: cfg, cancel: cancel, done: make(chan error, 1)}
	go func() { svc.done <- Run(ctx, cfg) }()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.MetricsAddr + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "service never became ready")
	return svc
}

func (s *runningService) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func (s *runningService) call(t *testing.T, method, path, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+s.cfg.HTTPAddr+"/api/v1"+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestRun_MemoryEndToEnd(t *testing.T) {
	svc := startService(t, DefaultConfig())

	resp, _ := svc.call(t, http.MethodPost, "/batches", `{"reference":"batch-1","sku":"LAMP","qty":10}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	key := http.Header{"Idempotency-Key": []string{"alloc-order-1"}}
	line := `{"orderid":"order-1","sku":"LAMP","qty":3}`
	resp, body := svc.call(t, http.MethodPost, "/allocation", line, key)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"batchref":"batch-1"}`, body)

	resp, replayed := svc.call(t, http.MethodPost, "/allocation", line, key)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, body, replayed)

	resp, body = svc.call(t, http.MethodGet, "/batches/batch-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		AvailableQty int `json:"available_qty"`
		Allocations  []struct {
			OrderID string `json:"orderid"`
		} `json:"allocations"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	assert.Equal(t, 7, view.AvailableQty)
	require.Len(t, view.Allocations, 1, "a replayed request allocates once")
	assert.Equal(t, "order-1", view.Allocations[0].OrderID)

	conn, err := grpc.NewClient(svc.cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: grpcServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.GetStatus())

	svc.stop(t)
}

func TestRun_RejectsUnknownStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.HTTPAddr, cfg.GRPCAddr, cfg.MetricsAddr = "127.0.0.1:0", "127.0.0.1:0", "127.0.0.1:0"

	assert.ErrorContains(t, Run(context.Background(), cfg), "unsupported storage driver")
}

func TestInitRuntimeDependencies_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("ALLOCATION_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("ALLOCATION_POSTGRES_TEST_DSN is not set")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	logger := quietLogger()
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	defer deps.close(logger)

	require.NotNil(t, deps.uows)
	require.NotNil(t, deps.outboxRepo)
	require.NotNil(t, deps.idempotencyRepo)
	require.NotNil(t, deps.storageChecker)
	assert.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check(context.Background()).Status)
}

func TestStartStopWorker(t *testing.T) {
	logger := quietLogger()

	started := make(chan struct{})
	cancel, done := startWorker(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started
	stopWorker("test", cancel, done, time.Second, logger)

	select {
	case <-done:
	default:
		t.Fatal("worker still running after stopWorker")
	}

	assert.NotPanics(t, func() { stopWorker("never-started", nil, nil, time.Second, logger) })
}

func TestNewWorkers(t *testing.T) {
	logger := log.WithField("test", "workers")
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), logger)
	require.NoError(t, err)

	assert.Nil(t, newOutboxWorker(DefaultConfig(), deps.outboxRepo, nil, nil, logger), "no publishers, no relay")

	worker := newRetentionWorker(DefaultConfig(), deps.idempotencyRepo, deps.outboxRepo, nil, logger)
	require.NotNil(t, worker)
	assert.Equal(t, []string{"idempotency", "outbox"}, worker.Targets())

	cfg := DefaultConfig()
	cfg.OutboxRetention = 0
	worker = newRetentionWorker(cfg, deps.idempotencyRepo, deps.outboxRepo, nil, logger)
	require.NotNil(t, worker)
	assert.Equal(t, []string{"idempotency"}, worker.Targets())

	assert.Nil(t, newRetentionWorker(DefaultConfig(), nil, nil, nil, logger))
}
