// Package health собирает состояние зависимостей сервиса для liveness/readiness проб.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"
)

const defaultCheckTimeout = 2 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity упорядочивает статусы: общий статус равен худшему из проверок.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент и должен вернуться по отмене ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler опрашивает зарегистрированные проверки параллельно с общим таймаутом.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	version  string
	started  time.Time
	timeout  time.Duration
	now      func() time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
		now:      time.Now,
	}
}

// RegisterChecker добавляет проверку; повторное имя заменяет прежнюю.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	names := slices.Sorted(maps.Keys(h.checkers))
	checkers := make([]Checker, len(names))
	for i, name := range names {
		checkers[i] = h.checkers[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(names))
	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = checkers[i].Check(ctx)
		}()
	}
	wg.Wait()

	response := Response{
		Status:        StatusHealthy,
		Timestamp:     h.now().UTC(),
		Checks:        make(map[string]Check, len(names)),
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
	for i, check := range results {
		if check.Name == "" {
			check.Name = names[i]
		}
		if check.Status.severity() > response.Status.severity() {
			response.Status = check.Status
		}
		response.Checks[names[i]] = check
	}
	return response
}

// Ready сообщает, можно ли принимать трафик, и перечисляет упавшие проверки.
// Degraded не снимает сервис с балансировки.
func (h *Handler) Ready(ctx context.Context) (bool, []string) {
	response := h.Evaluate(ctx)
	var failed []string
	for name, check := range response.Checks {
		if check.Status == StatusUnhealthy {
			failed = append(failed, name)
		}
	}
	slices.Sort(failed)
	return len(failed) == 0, failed
}

// ServeHTTP отдаёт полный JSON-отчёт; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Evaluate(r.Context())

	code := http.StatusOK
	if response.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, failed := h.Ready(r.Context())
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready: %v", failed)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// LivenessHandler отвечает 200, пока процесс обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// probe замеряет длительность проверки и заполняет общие поля Check.
func probe(ctx context.Context, name string, fn func(context.Context) (Status, string)) Check {
	start := time.Now()
	status, message := fn(ctx)
	return Check{
		Name:       name,
		Status:     status,
		Message:    message,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// SimpleChecker считает компонент unhealthy, если функция вернула ошибку.
type SimpleChecker struct {
	name    string
	checkFn func(ctx context.Context) error
}

func NewSimpleChecker(name string, checkFn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, checkFn: checkFn}
}

func (c *SimpleChecker) Check(ctx context.Context) Check {
	return probe(ctx, c.name, func(ctx context.Context) (Status, string) {
		if err := c.checkFn(ctx); err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, ""
	})
}

// BacklogChecker переводит компонент в degraded, когда очередь длиннее maxPending.
// maxPending <= 0 отключает порог, остаётся только проверка ошибки.
type BacklogChecker struct {
	name       string
	maxPending int
	sizeFn     func(ctx context.Context) (int, error)
}

func NewBacklogChecker(name string, maxPending int, sizeFn func(ctx context.Context) (int, error)) *BacklogChecker {
	return &BacklogChecker{name: name, maxPending: maxPending, sizeFn: sizeFn}
}

func (c *BacklogChecker) Check(ctx context.Context) Check {
	return probe(ctx, c.name, func(ctx context.Context) (Status, string) {
		size, err := c.sizeFn(ctx)
		switch {
		case err != nil:
			return StatusUnhealthy, err.Error()
		case c.maxPending > 0 && size > c.maxPending:
			return StatusDegraded, fmt.Sprintf("%d pending, threshold %d", size, c.maxPending)
		}
		return StatusHealthy, ""
	})
}
