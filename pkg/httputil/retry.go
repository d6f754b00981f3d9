// Package httputil provides the retrying HTTP client used for webhook delivery.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// Default retry configuration.
const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultHTTPTimeout = 10 * time.Second
)

// retryableStatusCodes are HTTP status codes worth retrying.
var retryableStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RetryOption configures a Client.
type RetryOption func(*Client)

// WithMaxRetries sets the maximum number of retry attempts (not counting the
// initial request). Zero means no retries.
func WithMaxRetries(n int) RetryOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the initial backoff delay before jitter.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(c *Client) { c.baseDelay = d }
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(c *Client) { c.maxDelay = d }
}

// WithHTTPTimeout sets the per-request timeout on the underlying http.Client.
func WithHTTPTimeout(d time.Duration) RetryOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) RetryOption {
	return func(c *Client) { c.userAgent = ua }
}

// Client wraps http.Client with retry-on-transient-failure behaviour.
type Client struct {
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	userAgent  string
}

// NewClient creates a Client with sensible defaults.
func NewClient(opts ...RetryOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do executes an HTTP request with retries on connection errors and
// retryable status codes. Requests with a body must be replayable
// (req.GetBody set), which http.NewRequest does for bytes readers.
//
// On success (or non-retryable failure), the caller owns the response.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.backoff(attempt)):
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if !retryableStatusCodes[resp.StatusCode] {
			return resp, nil
		}

		lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host)
		resp.Body.Close()
	}

	return nil, fmt.Errorf("%w (after %d retries)", lastErr, c.maxRetries)
}

// Post sends body with the given content type, retrying transient failures.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// backoff returns the delay for the given attempt (1-indexed) using
// exponential backoff with full jitter, capped at maxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
			break
		}
	}
	if delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay)))
	}
	return delay
}
