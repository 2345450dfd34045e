package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultTimeout = time.Second
	maxRetries     = 1
	retryDelay     = 100 * time.Millisecond
)

// Request is the extraction payload: headline text plus any symbols the
// provider already tagged on the article.
type Request struct {
	Text string   `json:"text"`
	Hint []string `json:"hint,omitempty"`
}

// Response is the extraction result. An empty Symbol means no ticker was
// identified.
type Response struct {
	Symbol     string  `json:"symbol"`
	Confidence float64 `json:"confidence"`
}

// APIError is a non-2xx response from the extractor.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("extractor returned %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether the request may be retried.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client calls the extractor service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an extractor client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract resolves the symbol a headline is about. Retries once on
// transport errors and retryable status codes.
func (c *Client) Extract(ctx context.Context, req Request) (Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying extraction", "attempt", attempt)
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		resp, err := c.doExtract(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
			return Response{}, err
		}
		if ctx.Err() != nil {
			return Response{}, err
		}
	}

	return Response{}, fmt.Errorf("extract after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) doExtract(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("post extract: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<16))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return Response{}, &APIError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
