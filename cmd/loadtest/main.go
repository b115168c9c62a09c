// Команда loadtest создаёт нагрузку на HTTP API аллокации: заводит партии
// под один SKU и параллельно размещает (и опционально снимает) строки заказов.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type loadMode string

const (
	modeAllocate           loadMode = "allocate"
	modeAllocateDeallocate loadMode = "allocate-deallocate"
)

const defaultQty = 1

type config struct {
	baseURL        string
	total          int
	totalSet       bool
	duration       time.Duration
	concurrency    int
	timeout        time.Duration
	mode           loadMode
	sku            string
	batches        int
	batchQty       int
	qty            int
	runTag         string
	failOnConflict bool
	outputPath     string
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.WithError(err).Fatal("load test failed")
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:  "loadtest",
		Usage: "generate allocation load against the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:8080", Usage: "allocation service base URL"},
			&cli.IntFlag{Name: "total", Value: 400, Usage: "scenarios to run; with --duration an optional upper bound"},
			&cli.DurationFlag{Name: "duration", Usage: "run for this long instead of a fixed number of scenarios"},
			&cli.IntFlag{Name: "concurrency", Value: 40, Usage: "scenarios in flight"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "per-request timeout"},
			&cli.StringFlag{Name: "mode", Value: string(modeAllocate), Usage: "allocate | allocate-deallocate"},
			&cli.StringFlag{Name: "sku", Value: "LOAD-SKU", Usage: "SKU of seeded batches and order lines"},
			&cli.IntFlag{Name: "batches", Value: 4, Usage: "batches seeded before the run"},
			&cli.IntFlag{Name: "batch-qty", Value: 100000, Usage: "purchased quantity of each seeded batch"},
			&cli.IntFlag{Name: "qty", Value: defaultQty, Usage: "quantity of each order line"},
			&cli.StringFlag{Name: "run-tag", Value: "load", Usage: "prefix of batch references and order ids"},
			&cli.BoolFlag{Name: "fail-on-conflict", Usage: "count 409 version conflicts as failed scenarios"},
			&cli.StringFlag{Name: "output", Usage: "write the JSON report to this file"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFromCLI(c)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			result, err := run(cfg, &http.Client{Timeout: cfg.timeout}, out)
			if err != nil {
				return err
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d of %d scenarios failed", result.Failed, result.Scenarios)
			}
			return nil
		},
	}
}

func configFromCLI(c *cli.Context) (config, error) {
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return config{}, err
	}
	cfg := config{
		baseURL:        strings.TrimRight(strings.TrimSpace(c.String("addr")), "/"),
		total:          c.Int("total"),
		totalSet:       c.IsSet("total"),
		duration:       c.Duration("duration"),
		concurrency:    c.Int("concurrency"),
		timeout:        c.Duration("timeout"),
		mode:           mode,
		sku:            strings.TrimSpace(c.String("sku")),
		batches:        c.Int("batches"),
		batchQty:       c.Int("batch-qty"),
		qty:            c.Int("qty"),
		runTag:         strings.TrimSpace(c.String("run-tag")),
		failOnConflict: c.Bool("fail-on-conflict"),
		outputPath:     c.String("output"),
	}
	return cfg, cfg.validate()
}

// validate возвращает первое нарушенное правило.
func (c config) validate() error {
	rules := []struct {
		broken bool
		msg    string
	}{
		{c.baseURL == "", "addr is required"},
		{c.duration < 0, "duration must be >= 0"},
		{c.duration == 0 && c.total <= 0, "total must be > 0 when duration is not set"},
		{c.duration > 0 && c.totalSet && c.total <= 0, "total must be > 0 when explicitly set with duration"},
		{c.concurrency <= 0, "concurrency must be > 0"},
		{c.timeout <= 0, "timeout must be > 0"},
		{c.sku == "", "sku is required"},
		{c.batches <= 0, "batches must be > 0"},
		{c.batchQty <= 0 || c.qty <= 0, "batch-qty and qty must be > 0"},
		{c.runTag == "", "run-tag is required"},
	}
	for _, rule := range rules {
		if rule.broken {
			return errors.New(rule.msg)
		}
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	if mode != modeAllocate && mode != modeAllocateDeallocate {
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
	return mode, nil
}
