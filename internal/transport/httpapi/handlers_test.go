package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iKonstantin1991/patterns-book/internal/metrics"
	"github.com/iKonstantin1991/patterns-book/internal/service/allocation"
	"github.com/iKonstantin1991/patterns-book/internal/storage/memory"
	"github.com/iKonstantin1991/patterns-book/internal/transport/httpapi"
)

type testServer struct {
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T, opts ...httpapi.Option) *testServer {
	t.Helper()

	entry := discardLogger()

	store := memory.NewStore()
	svc := allocation.NewService(store, metrics.NewAllocationMetricsWithRegisterer(prometheus.NewRegistry()), entry)
	api := httpapi.NewAPI(svc, entry, opts...)

	return &testServer{handler: api.Router(), store: store}
}

func discardLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "http-api-test")
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) addBatch(t *testing.T, ref, sku string, qty int, eta string) {
	t.Helper()

	body := map[string]any{"reference": ref, "sku": sku, "qty": qty}
	if eta != "" {
		body["eta"] = eta
	}
	w := s.do(t, http.MethodPost, "/api/v1/batches", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorsOf(t *testing.T, w *httptest.ResponseRecorder) []string {
	t.Helper()

	var out struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Errors
}

func TestAddBatch_Created(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/v1/batches", map[string]any{
		"reference": "batch-1", "sku": "SMALL-TABLE", "qty": 20, "eta": "2011-01-02",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	snapshot := srv.store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "2011-01-02", snapshot[0].ETA.Format("2006-01-02"))
}

func TestAddBatch_Rejections(t *testing.T) {
	srv := newTestServer(t)
	srv.addBatch(t, "batch-1", "LAMP", 10, "")

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{name: "duplicate reference", body: map[string]any{"reference": "batch-1", "sku": "LAMP", "qty": 5}, status: http.StatusConflict},
		{name: "zero qty", body: map[string]any{"reference": "batch-2", "sku": "LAMP", "qty": 0}, status: http.StatusBadRequest},
		{name: "missing sku", body: map[string]any{"reference": "batch-2", "qty": 3}, status: http.StatusBadRequest},
		{name: "bad eta", body: map[string]any{"reference": "batch-2", "sku": "LAMP", "qty": 3, "eta": "02/01/2011"}, status: http.StatusBadRequest},
		{name: "qty not a number", body: map[string]any{"reference": "batch-2", "sku": "LAMP", "qty": "ten"}, status: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := srv.do(t, http.MethodPost, "/api/v1/batches", tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.NotEmpty(t, errorsOf(t, w))
		})
	}

	assert.Len(t, srv.store.Snapshot(), 1)
}

func TestAllocate_ReturnsPreferredBatch(t *testing.T) {
	srv := newTestServer(t)
	srv.addBatch(t, "later", "LAMP", 100, "2011-01-03")
	srv.addBatch(t, "earlier", "LAMP", 100, "2011-01-02")
	srv.addBatch(t, "other", "OTHER", 100, "")

	w := srv.do(t, http.MethodPost, "/api/v1/allocation", map[string]any{
		"orderid": "order-1", "sku": "LAMP", "qty": 3,
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "earlier", decodeBody(t, w)["batchref"])
}

func TestAllocate_Rejections(t *testing.T) {
	srv := newTestServer(t)
	srv.addBatch(t, "batch-1", "SMALL-TABLE", 10, "2011-01-01")

	t.Run("invalid sku", func(t *testing.T) {
		w := srv.do(t, http.MethodPost, "/api/v1/allocation", map[string]any{
			"orderid": "order-1", "sku": "NONEXISTENTSKU", "qty": 1,
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, []string{"invalid sku NONEXISTENTSKU"}, errorsOf(t, w))
	})

	t.Run("out of stock", func(t *testing.T) {
		w := srv.do(t, http.MethodPost, "/api/v1/allocation", map[string]any{
			"orderid": "order-1", "sku": "SMALL-TABLE", "qty": 11,
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, []string{"out of stock for sku SMALL-TABLE"}, errorsOf(t, w))
	})

	t.Run("invalid line", func(t *testing.T) {
		w := srv.do(t, http.MethodPost, "/api/v1/allocation", map[string]any{
			"sku": "SMALL-TABLE", "qty": -1,
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Len(t, errorsOf(t, w), 2)
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/allocation", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		srv.handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, []string{"invalid json body"}, errorsOf(t, w))
	})

	assert.Equal(t, 10, srv.store.Snapshot()[0].AvailableQuantity())
}

func TestDeallocate(t *testing.T) {
	srv := newTestServer(t)
	srv.addBatch(t, "batch-1", "LAMP", 10, "")
	line := map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 4}

	w := srv.do(t, http.MethodPost, "/api/v1/allocation", line)
	require.Equal(t, http.StatusCreated, w.Code)

	w = srv.do(t, http.MethodPost, "/api/v1/deallocation", line)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "batch-1", decodeBody(t, w)["batchref"])
	assert.Equal(t, 10, srv.store.Snapshot()[0].AvailableQuantity())

	w = srv.do(t, http.MethodPost, "/api/v1/deallocation", line)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetBatch(t *testing.T) {
	srv := newTestServer(t)
	srv.addBatch(t, "batch-1", "LAMP", 10, "2011-01-02")
	w := srv.do(t, http.MethodPost, "/api/v1/allocation", map[string]any{
		"orderid": "order-1", "sku": "LAMP", "qty": 4,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = srv.do(t, http.MethodGet, "/api/v1/batches/batch-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"reference": "batch-1",
		"sku": "LAMP",
		"purchased_qty": 10,
		"available_qty": 6,
		"allocated_qty": 4,
		"eta": "2011-01-02",
		"version": 1,
		"allocations": [{"orderid": "order-1", "sku": "LAMP", "qty": 4}]
	}`, w.Body.String())

	w = srv.do(t, http.MethodGet, "/api/v1/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/v1/batches/missing", nil, "X-Request-ID", "req-42")

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}
