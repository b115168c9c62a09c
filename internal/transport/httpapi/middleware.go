package httpapi

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

// responseRecorder запоминает статус ответа и, при необходимости, его тело.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	capture bool
	body    bytes.Buffer
	// retryable: ответ описывает временный отказ и не должен воспроизводиться.
	retryable bool
}

// markRetryable помечает ответ как временный, если его пишут через responseRecorder.
func markRetryable(w http.ResponseWriter) {
	if rec, ok := w.(*responseRecorder); ok {
		rec.retryable = true
	}
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.capture {
		r.body.Write(p)
	}
	return r.ResponseWriter.Write(p)
}

func (r *responseRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (a *API) logMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		started := time.Now()
		rec := &responseRecorder{ResponseWriter: w}
		h.ServeHTTP(rec, r)

		entry := a.logger.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.statusCode(),
			"duration_ms": time.Since(started).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		})
		if rec.statusCode() >= http.StatusInternalServerError {
			entry.Warn("request served with error")
			return
		}
		entry.Info("request served")
	})
}
