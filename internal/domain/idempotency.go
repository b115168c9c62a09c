package domain

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// IdempotencyStatus: processing, пока запрос выполняется, затем done или failed с сохранённым ответом.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ключ занят тем же запросом: клиент получает сохранённый ответ
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ключ занят запросом с другим телом
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound  = errors.New("idempotency key not found")
)

// IdempotencyRecord хранит состояние обработки запроса с Idempotency-Key.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Completed сообщает, что ответ сохранён и его можно отдать повторно.
func (r IdempotencyRecord) Completed() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// Expired сообщает, что ключ можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// ReplayStatus возвращает HTTP-статус сохранённого ответа, 200 если он не записан.
func (r IdempotencyRecord) ReplayStatus() int {
	if r.HTTPStatus == 0 {
		return http.StatusOK
	}
	return r.HTTPStatus
}

// NormalizeIdempotencyKey обрезает пробелы вокруг ключа и отвергает пустой.
func NormalizeIdempotencyKey(key string) (string, error) {
	if key = strings.TrimSpace(key); key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	return key, nil
}

// IsIdempotencyConflict: ключ занят живой записью, неважно каким запросом.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
