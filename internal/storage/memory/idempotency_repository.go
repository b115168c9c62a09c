package memory

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

// idempotencyStore держит ключи идемпотентности в map под мьютексом.
// Записи хранятся и отдаются копиями: тело ответа не разделяется с вызывающим кодом.
type idempotencyStore struct {
	mu   sync.Mutex
	now  func() time.Time
	keys map[string]*domain.IdempotencyRecord
}

func NewIdempotencyRepository() domain.IdempotencyRepository {
	return newIdempotencyStore(func() time.Time { return time.Now().UTC() })
}

func newIdempotencyStore(now func() time.Time) *idempotencyStore {
	return &idempotencyStore{now: now, keys: make(map[string]*domain.IdempotencyRecord)}
}

// CreateProcessing занимает ключ. Просроченная запись перезаписывается новым запросом.
func (s *idempotencyStore) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if requestHash = strings.TrimSpace(requestHash); requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if current := s.keys[key]; current != nil && !current.Expired(now) {
		err := domain.ErrIdempotencyKeyAlreadyExists
		if current.RequestHash != requestHash {
			err = domain.ErrIdempotencyHashMismatch
		}
		return copyRecord(current), err
	}

	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}
	created := &domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.keys[key] = created
	return copyRecord(created), nil
}

func (s *idempotencyStore) Get(key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.keys[key]; current != nil {
		return copyRecord(current), nil
	}
	return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
}

func (s *idempotencyStore) MarkDone(key string, responseBody []byte, httpStatus int) error {
	return s.complete(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (s *idempotencyStore) MarkFailed(key string, responseBody []byte, httpStatus int) error {
	return s.complete(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (s *idempotencyStore) Release(key string) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.keys[key]
	switch {
	case current == nil:
		return domain.ErrIdempotencyKeyNotFound
	case current.Status != domain.IdempotencyStatusProcessing:
		return fmt.Errorf("%w: key %s is %s", domain.ErrIdempotencyKeyAlreadyExists, key, current.Status)
	}
	delete(s.keys, key)
	return nil
}

// DeleteExpired удаляет не больше limit записей с TTL <= before, старые первыми.
// limit <= 0 снимает ограничение.
func (s *idempotencyStore) DeleteExpired(before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if before.IsZero() {
		before = s.now()
	}

	var expired []*domain.IdempotencyRecord
	for _, record := range s.keys {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	slices.SortFunc(expired, func(a, b *domain.IdempotencyRecord) int { return a.TTLAt.Compare(b.TTLAt) })
	if limit > 0 {
		expired = expired[:min(limit, len(expired))]
	}

	for _, record := range expired {
		delete(s.keys, record.Key)
	}
	return len(expired), nil
}

func (s *idempotencyStore) complete(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.keys[key]
	if current == nil {
		return domain.ErrIdempotencyKeyNotFound
	}
	current.Status = status
	current.HTTPStatus = httpStatus
	current.ResponseBody = slices.Clone(responseBody)
	current.UpdatedAt = s.now()
	return nil
}

func copyRecord(src *domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := *src
	dst.ResponseBody = slices.Clone(src.ResponseBody)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyStore)(nil)
