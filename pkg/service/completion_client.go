package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// maxAttempts bounds the retry loop of the completion client.
const maxAttempts = 3

// ClientError is a terminal 4xx from the completion backend. Client errors
// cannot self-heal, so they are never retried.
type ClientError struct {
	Status int
	Body   string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("completion backend rejected the request: status %d", e.Status)
}

// TransientError is a 5xx or network-level failure; the client retries it
// with exponential backoff and surfaces the last one after exhaustion.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion backend unreachable: %v", e.Err)
	}
	return fmt.Sprintf("completion backend returned status %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// CompletionClient issues a completion/vision request with bounded retry.
// It is stateless between calls; the sleep function is injectable so tests
// can observe backoff delays without waiting.
type CompletionClient struct {
	httpClient *http.Client
	sleep      func(time.Duration)
	logger     *slog.Logger
}

// NewCompletionClient creates a client with the default transport and sleep.
func NewCompletionClient(logger *slog.Logger) *CompletionClient {
	return &CompletionClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		sleep:      time.Sleep,
		logger:     logger,
	}
}

// Send posts payload to endpoint and decodes the response. Up to three
// attempts total; the delay before retry i is 2^(i-1) seconds (1s, 2s), no
// jitter. A 4xx is surfaced immediately; after the final attempt the last
// transient error is surfaced unwrapped.
func (c *CompletionClient) Send(ctx context.Context, endpoint string, payload *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}

		resp, err := c.do(ctx, endpoint, body)
		if err == nil {
			return resp, nil
		}

		if ce, ok := err.(*ClientError); ok {
			c.logger.Error("Completion backend rejected request", "status", ce.Status)
			return nil, err
		}

		lastErr = err
		c.logger.Warn("Transient completion failure", "attempt", attempt+1, "error", err)
	}

	return nil, lastErr
}

func (c *CompletionClient) do(ctx context.Context, endpoint string, body []byte) (*models.GenerateContentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case httpResp.StatusCode >= 500:
		return nil, &TransientError{Status: httpResp.StatusCode}
	case httpResp.StatusCode >= 400:
		return nil, &ClientError{Status: httpResp.StatusCode, Body: string(respBody)}
	}

	var out models.GenerateContentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	return &out, nil
}
