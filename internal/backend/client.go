// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// CLIENT CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the per-request timeout for non-streaming calls.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retry attempts for transient
	// failures.
	DefaultMaxRetries = 3

	// MaxResponseSize caps non-streaming response bodies (4MB).
	MaxResponseSize = 4 * 1024 * 1024

	// requestsPerSecond throttles outbound calls so a tight client-side
	// loop cannot trip the backend quota on its own.
	requestsPerSecond = 4
)

// sharedStreamingClient is reused across streams for connection pooling.
// No client-level timeout: streaming lifetime is governed by the request
// context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	},
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the coaching backend.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithAuthToken sets the bearer token attached to requests. Anonymous
// clients omit it.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithMaxRetries overrides the retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithHTTPClient substitutes the HTTP client, used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// setHeaders applies the common request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// doJSON performs a non-streaming JSON request with rate limiting, retry
// with exponential backoff for transient failures, and decodes the response
// into out. The payload is re-marshaled per attempt so retries never see a
// drained body.
func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal request: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, readErr := readBody(resp)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode != http.StatusOK {
			err = c.handleErrorResponse(resp.StatusCode, data)
			if !isRetryable(err) {
				return err
			}
			lastErr = err
			continue
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		return nil
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// readBody reads a capped response body.
func readBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return data, nil
}

// handleErrorResponse converts an HTTP error response into a taxonomy error.
func (c *Client) handleErrorResponse(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	err := classifyStatus(status, eb.message())
	c.logger.Warn("backend request failed",
		"status", status,
		"kind", Classify(err).String())
	return err
}

// backoffDelay returns the exponential backoff delay for a retry attempt:
// 1s, 2s, 4s, capped at 8s.
func backoffDelay(attempt int) time.Duration {
	delay := time.Second << (attempt - 1)
	if delay > 8*time.Second {
		delay = 8 * time.Second
	}
	return delay
}
