package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const idempotencyHeader = "Idempotency-Key"

// httpDoer реализуется *http.Client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// loadClient шлёт JSON в API и записывает каждый вызов в collector под именем операции.
type loadClient struct {
	baseURL string
	http    httpDoer
	timeout time.Duration
	col     *collector
}

type callResult struct {
	status int
	body   []byte
}

func (c *loadClient) post(op, path string, body any, idempotencyKey string) (callResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return callResult{}, fmt.Errorf("%s: encode body: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return callResult{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	started := time.Now()
	res, err := c.do(req)
	c.col.record(op, time.Since(started), res.status, err == nil && res.status < http.StatusMultipleChoices)
	return res, err
}

func (c *loadClient) do(req *http.Request) (callResult, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return callResult{status: transportStatus}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return callResult{status: resp.StatusCode, body: body}, err
}
