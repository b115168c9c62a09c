package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// transportStatus отмечает вызов, не получивший HTTP-ответа.
const transportStatus = 0

// quantiles в миллисекундах.
type quantiles struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
}

type opReport struct {
	Name      string           `json:"name"`
	Calls     int64            `json:"calls"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs quantiles        `json:"latency_ms"`
}

type report struct {
	StartedAt      time.Time  `json:"started_at"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	Scenarios      int64      `json:"scenarios"`
	Failed         int64      `json:"failed"`
	ErrorRate      float64    `json:"error_rate"`
	Throughput     float64    `json:"scenarios_per_second"`
	LatencyMs      quantiles  `json:"scenario_latency_ms"`
	Ops            []opReport `json:"ops"`
}

// op возвращает статистику HTTP-операции по имени.
func (r report) op(name string) (opReport, bool) {
	for _, op := range r.Ops {
		if op.Name == name {
			return op, true
		}
	}
	return opReport{}, false
}

type opSamples struct {
	failed   int64
	statuses map[int]int64
	elapsed  []time.Duration
}

// collector копит замеры вызовов. Сценарий учитывается как отдельная операция scenarioMethod.
type collector struct {
	mu  sync.Mutex
	ops map[string]*opSamples
}

func newCollector() *collector {
	return &collector{ops: make(map[string]*opSamples)}
}

func (c *collector) record(op string, elapsed time.Duration, status int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	samples := c.ops[op]
	if samples == nil {
		samples = &opSamples{statuses: make(map[int]int64)}
		c.ops[op] = samples
	}
	samples.elapsed = append(samples.elapsed, elapsed)
	samples.statuses[status]++
	if !ok {
		samples.failed++
	}
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:      startedAt.UTC(),
		ElapsedSeconds: elapsed.Seconds(),
		Ops:            make([]opReport, 0, len(c.ops)),
	}

	for name, samples := range c.ops {
		calls := int64(len(samples.elapsed))
		if name == scenarioMethod {
			result.Scenarios = calls
			result.Failed = samples.failed
			result.ErrorRate = errorRate(samples.failed, calls)
			result.LatencyMs = summarize(samples.elapsed)
			continue
		}

		statuses := make(map[string]int64, len(samples.statuses))
		for status, count := range samples.statuses {
			statuses[statusKey(status)] = count
		}
		result.Ops = append(result.Ops, opReport{
			Name:      name,
			Calls:     calls,
			Failed:    samples.failed,
			ErrorRate: errorRate(samples.failed, calls),
			Statuses:  statuses,
			LatencyMs: summarize(samples.elapsed),
		})
	}
	slices.SortFunc(result.Ops, func(a, b opReport) int { return strings.Compare(a.Name, b.Name) })

	if elapsed > 0 {
		result.Throughput = float64(result.Scenarios) / elapsed.Seconds()
	}
	return result
}

func statusKey(status int) string {
	if status == transportStatus {
		return "transport"
	}
	return strconv.Itoa(status)
}

// summarize считает квантили методом nearest-rank.
func summarize(samples []time.Duration) quantiles {
	if len(samples) == 0 {
		return quantiles{}
	}

	ms := make([]float64, len(samples))
	var total float64
	for i, d := range samples {
		ms[i] = float64(d) / float64(time.Millisecond)
		total += ms[i]
	}
	slices.Sort(ms)

	rank := func(p float64) float64 {
		idx := int(math.Ceil(p*float64(len(ms)))) - 1
		return ms[max(idx, 0)]
	}
	return quantiles{
		Min:  ms[0],
		Mean: total / float64(len(ms)),
		P50:  rank(0.50),
		P90:  rank(0.90),
		P99:  rank(0.99),
		Max:  ms[len(ms)-1],
	}
}

func errorRate(failed, calls int64) float64 {
	if calls == 0 {
		return 0
	}
	return float64(failed) / float64(calls)
}

// writeJSONReport пишет отчёт в файл внутри рабочего каталога или по абсолютному пути.
func writeJSONReport(path string, result report) error {
	target := filepath.Clean(path)
	if target == ".." || strings.HasPrefix(target, ".."+string(filepath.Separator)) {
		return fmt.Errorf("report path escapes working directory: %s", path)
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return errors.New("report path is a directory")
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return os.WriteFile(target, append(data, '\n'), 0o600)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintf(out, "allocation load test: mode=%s sku=%s %s\n", cfg.mode, cfg.sku, describeRun(cfg))
	_, _ = fmt.Fprintf(out, "scenarios=%d failed=%d error_rate=%.4f elapsed=%.2fs throughput=%.2f/s\n",
		result.Scenarios, result.Failed, result.ErrorRate, result.ElapsedSeconds, result.Throughput)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "op\tcalls\tfailed\tp50ms\tp90ms\tp99ms\tmaxms")
	row := func(name string, calls, failed int64, q quantiles) {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\n", name, calls, failed, q.P50, q.P90, q.P99, q.Max)
	}
	row(scenarioMethod, result.Scenarios, result.Failed, result.LatencyMs)
	for _, op := range result.Ops {
		row(op.Name, op.Calls, op.Failed, op.LatencyMs)
	}
	_ = tw.Flush()
}

func describeRun(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return "total=" + strconv.Itoa(cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration=%s max_total=%d", cfg.duration, cfg.total)
	default:
		return "duration=" + cfg.duration.String()
	}
}
