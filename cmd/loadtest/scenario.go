package main

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const scenarioMethod = "scenario"

func run(cfg config, doer httpDoer, out io.Writer) (report, error) {
	startedAt := time.Now()
	// короткий id разводит ссылки и ключи идемпотентности разных прогонов
	runID := uuid.NewString()[:8]
	client := &loadClient{baseURL: cfg.baseURL, http: doer, timeout: cfg.timeout, col: newCollector()}

	if err := seedBatches(client, cfg, runID); err != nil {
		return report{}, err
	}

	ctx := context.Background()
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	// errgroup ограничивает число сценариев в полёте; ошибки сценариев не
	// останавливают прогон, а только считаются.
	var (
		g        errgroup.Group
		failures atomic.Int64
	)
	g.SetLimit(cfg.concurrency)
	for id := range scenarioIDs(ctx, cfg) {
		g.Go(func() error {
			if err := runScenario(client, cfg, id, runID); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := client.col.buildReport(startedAt, time.Since(startedAt))
	if result.Failed == 0 && failures.Load() > 0 {
		result.Failed = failures.Load()
		result.ErrorRate = errorRate(result.Failed, result.Scenarios)
	}

	printReport(out, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			return result, fmt.Errorf("write report: %w", err)
		}
	}
	return result, nil
}

// scenarioIDs нумерует сценарии. Без duration их ровно total; с duration
// номера идут, пока жив ctx, и не больше total, если он задан явно.
func scenarioIDs(ctx context.Context, cfg config) iter.Seq[int] {
	bounded := cfg.duration <= 0 || cfg.totalSet
	return func(yield func(int) bool) {
		for id := 0; !bounded || id < cfg.total; id++ {
			if cfg.duration > 0 && ctx.Err() != nil {
				return
			}
			if !yield(id) {
				return
			}
		}
	}
}

func seedBatches(client *loadClient, cfg config, runID string) error {
	for i := range cfg.batches {
		body := map[string]any{
			"reference": fmt.Sprintf("%s-%s-batch-%d", cfg.runTag, runID, i),
			"sku":       cfg.sku,
			"qty":       cfg.batchQty,
		}
		res, err := client.post("AddBatch", "/api/v1/batches", body, "")
		if err != nil {
			return fmt.Errorf("seed batch %d: %w", i, err)
		}
		if res.status != http.StatusCreated {
			return fmt.Errorf("seed batch %d: unexpected status %d: %s", i, res.status, strings.TrimSpace(string(res.body)))
		}
	}
	return nil
}

// runScenario размещает строку заказа и в режиме allocate-deallocate сразу её снимает.
// 409 считается успехом, пока не задан failOnConflict.
func runScenario(client *loadClient, cfg config, index int, runID string) (err error) {
	started := time.Now()
	status := http.StatusOK
	defer func() {
		client.col.record(scenarioMethod, time.Since(started), status, err == nil)
	}()

	line := map[string]any{
		"orderid": fmt.Sprintf("%s-%s-order-%d", cfg.runTag, runID, index),
		"sku":     cfg.sku,
		"qty":     cfg.qty,
	}
	steps := []struct {
		op, path string
		want     int
	}{
		{"Allocate", "/api/v1/allocation", http.StatusCreated},
		{"Deallocate", "/api/v1/deallocation", http.StatusOK},
	}
	if cfg.mode != modeAllocateDeallocate {
		steps = steps[:1]
	}

	for _, step := range steps {
		key := fmt.Sprintf("lt-%s-%s-%d", strings.ToLower(step.op), runID, index)
		res, err := client.post(step.op, step.path, line, key)
		if err != nil {
			status = transportStatus
			return err
		}
		switch {
		case res.status == step.want:
		case res.status == http.StatusConflict && !cfg.failOnConflict:
			return nil
		default:
			status = res.status
			return fmt.Errorf("%s: unexpected status %d", strings.ToLower(step.op), res.status)
		}
	}
	return nil
}
