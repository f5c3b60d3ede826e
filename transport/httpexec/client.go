// Package httpexec implements operation.Executor over HTTP.
//
// Each operation is POSTed as JSON to <base>/operations. The backend
// answers 200 with a Result, which may carry application errors, or 409
// with a Result whose Conflict describes the server's current state. Any
// other outcome is a retryable network error, so the entry stays queued.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/operation"
)

// OperationsPath is appended to the base URL.
const OperationsPath = "/operations"

const (
	defaultMaxBodyBytes = 8 << 20
	defaultGzipMinBytes = 1024
)

// Client is an operation.Executor backed by an HTTP endpoint.
type Client struct {
	baseURL      string
	http         *http.Client
	header       http.Header
	maxBodyBytes int64
	gzipMinBytes int
	logger       *logging.Logger
}

var _ operation.Executor = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		if cl != nil {
			c.http = cl
		}
	}
}

// WithHeader adds a header to every request, e.g. authorization.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithMaxBodyBytes limits the decoded response size.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithGzip compresses request bodies larger than minBytes. A negative
// value disables compression.
func WithGzip(minBytes int) Option {
	return func(c *Client) { c.gzipMinBytes = minBytes }
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 30 * time.Second},
		header:       make(http.Header),
		maxBodyBytes: defaultMaxBodyBytes,
		gzipMinBytes: defaultGzipMinBytes,
		logger:       logging.WithComponent(logging.ComponentTransport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Execute implements operation.Executor.
func (c *Client) Execute(ctx context.Context, op operation.Operation) (operation.Result, error) {
	url := c.baseURL + OperationsPath
	payload, err := json.Marshal(op)
	if err != nil {
		return operation.Result{}, syncErrors.NewSerializationError(syncErrors.OpTransport, fmt.Errorf("failed to marshal operation: %w", err))
	}

	encoding := ""
	if c.gzipMinBytes >= 0 && len(payload) > c.gzipMinBytes {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return operation.Result{}, syncErrors.NewWithComponent(syncErrors.OpTransport, "transport", fmt.Errorf("failed to compress request: %w", err))
		}
		c.logger.Debug("compressed operation",
			slog.Int("original_size", len(payload)),
			slog.Int("compressed_size", len(compressed)),
		)
		payload, encoding = compressed, "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return operation.Result{}, syncErrors.NewWithComponent(syncErrors.OpTransport, "transport", fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("operation request failed",
			slog.String("operation", op.Name),
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		return operation.Result{}, syncErrors.NewNetworkError(syncErrors.OpTransport, fmt.Errorf("network error: %w", err)).
			WithMetadata("operation", op.Name)
	}
	defer resp.Body.Close()

	body, err := ReadBody(resp.Body, resp.Header.Get("Content-Encoding"), c.maxBodyBytes)
	if err != nil {
		return operation.Result{}, syncErrors.NewNetworkError(syncErrors.OpTransport, fmt.Errorf("failed to read response: %w", err)).
			WithMetadata("status", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
	default:
		c.logger.Warn("operation returned error status",
			slog.String("operation", op.Name),
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", truncate(body, 256)),
		)
		return operation.Result{}, syncErrors.NewNetworkError(syncErrors.OpTransport,
			fmt.Errorf("server error (status %d): %s", resp.StatusCode, truncate(body, 256))).
			WithMetadata("status", resp.StatusCode)
	}

	var result operation.Result
	if err := json.Unmarshal(body, &result); err != nil {
		return operation.Result{}, syncErrors.NewNetworkError(syncErrors.OpTransport, fmt.Errorf("failed to decode response: %w", err)).
			WithMetadata("status", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusConflict && result.Conflict == nil {
		return operation.Result{}, syncErrors.NewNetworkError(syncErrors.OpTransport,
			fmt.Errorf("conflict response for %s carries no conflict details", op.Name))
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
