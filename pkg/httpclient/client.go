// Package httpclient provides a retrying HTTP client shared by every
// adapter that talks to an external collaborator (embedding provider,
// generator, OCR service, reranker).
//
// Transient failures (429, 5xx, connection errors) are retried with
// exponential backoff and jitter; everything else is returned to the
// caller unchanged.
package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Client wraps http.Client with bounded retries.
type Client struct {
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxAttempts sets the total number of attempts including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithBaseDelay sets the initial backoff delay.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = delay
	}
}

// WithJitter sets the jitter fraction applied to each delay (0..1).
func WithJitter(j float64) Option {
	return func(c *Client) {
		c.jitter = j
	}
}

// New creates a Client with sane defaults: 5 attempts, 500ms base delay
// doubling per attempt, 30s cap, 20% jitter.
func New(opts ...Option) *Client {
	c := &Client{
		client:      &http.Client{Timeout: 60 * time.Second},
		maxAttempts: 5,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    30 * time.Second,
		jitter:      0.2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retryable reports whether a status code indicates a transient failure.
func Retryable(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do executes the request, retrying transient failures. The request body
// must be replayable (GetBody set), which http.NewRequest arranges for
// bytes.Reader and friends.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
				}
				req.Body = body
			}

			delay := c.delay(attempt)
			slog.Debug("retrying request",
				"url", req.URL.String(),
				"attempt", attempt+1,
				"max_attempts", c.maxAttempts,
				"delay", delay)

			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, req.Context().Err()
			}
			lastErr = err
			continue
		}

		if !Retryable(resp.StatusCode) {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp.Header)
		resp.Body.Close()
		lastErr = &TransientError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}
	}

	return nil, &TransientError{
		Message: fmt.Sprintf("max attempts (%d) exceeded", c.maxAttempts),
		Err:     lastErr,
	}
}

// delay computes the backoff before the given (1-indexed) retry attempt.
func (c *Client) delay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1)) * float64(c.baseDelay))
	if d > c.maxDelay {
		d = c.maxDelay
	}
	if c.jitter > 0 {
		spread := float64(d) * c.jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

func parseRetryAfter(headers http.Header) time.Duration {
	if v := headers.Get("Retry-After"); v != "" {
		var seconds int
		if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// DoWithContext attaches ctx to req before executing it.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.Do(req.WithContext(ctx))
}
