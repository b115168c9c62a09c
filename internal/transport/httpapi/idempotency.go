package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/metrics"
)

const (
	idempotencyKeyHeader      = "Idempotency-Key"
	idempotencyReplayedHeader = "Idempotent-Replayed"
	defaultIdempotencyTTL     = 24 * time.Hour
)

// withIdempotency сохраняет ответ на запрос с Idempotency-Key и отдаёт его
// повторно при запросе с тем же ключом и телом. Временный отказ (конфликт
// версий) не сохраняется: ключ освобождается. Без заголовка запрос
// обрабатывается как обычно.
func (a *API) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.idemRepo == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeErrors(w, http.StatusBadRequest, errInvalidJSON.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		record, err := a.idemRepo.CreateProcessing(key, requestHash(r, body), a.now().Add(a.idemTTL))
		if err != nil {
			a.replayIdempotency(w, err, record)
			return
		}
		a.recordIdempotency(metrics.IdempotencyNew)

		rec := &responseRecorder{ResponseWriter: w, capture: true}
		next.ServeHTTP(rec, r)

		status := rec.statusCode()
		switch {
		case rec.retryable:
			// конфликт версий: повтор с тем же ключом должен снова дойти до сервиса
			err = a.idemRepo.Release(key)
		case status >= http.StatusInternalServerError:
			err = a.idemRepo.MarkFailed(key, rec.body.Bytes(), status)
		default:
			err = a.idemRepo.MarkDone(key, rec.body.Bytes(), status)
		}
		if err != nil {
			a.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
		}
	})
}

func (a *API) replayIdempotency(w http.ResponseWriter, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		a.recordIdempotency(metrics.IdempotencyHashMismatch)
		writeErrors(w, http.StatusUnprocessableEntity, "idempotency key is already used with different request payload")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Completed():
			a.recordIdempotency(metrics.IdempotencyReplay)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(idempotencyReplayedHeader, "true")
			w.WriteHeader(record.ReplayStatus())
			_, _ = w.Write(record.ResponseBody)
		case record.Status == domain.IdempotencyStatusProcessing:
			a.recordIdempotency(metrics.IdempotencyInProgress)
			writeErrors(w, http.StatusConflict, "request with the same idempotency key is already processing")
		default:
			a.recordIdempotency(metrics.IdempotencyError)
			writeErrors(w, http.StatusInternalServerError, "unknown idempotency record status")
		}
	default:
		a.recordIdempotency(metrics.IdempotencyError)
		a.logger.WithError(createErr).Warn("failed to create idempotency record")
		writeErrors(w, http.StatusInternalServerError, "failed to initialize idempotency request")
	}
}

func (a *API) recordIdempotency(outcome string) {
	if a.idemMetrics != nil {
		a.idemMetrics.RecordRequest(outcome)
	}
}

// requestHash связывает ключ с методом, путём и телом запроса.
func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{' '})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
