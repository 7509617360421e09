// Package downstream issues one downstream API call per job invocation,
// with retries for transient transport and upstream faults internal to
// that single call. It never sees the scheduler's job-level retry
// budget.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/dripgate/dripgate/internal/shaping"
)

const (
	defaultMaxRetries = 3
	retryBase         = time.Second
	retryCap          = 30 * time.Second
	jitterFraction    = 0.10
)

// Client calls the downstream API that tools resolve to.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	defaultTimeout time.Duration
	maxRetries     int
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	DefaultTimeout time.Duration
	MaxRetries     int
}

// New returns a Client reading its base URL and credential from cfg.
func New(cfg Config) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Client{
		httpClient:     &http.Client{},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		defaultTimeout: cfg.DefaultTimeout,
		maxRetries:     cfg.MaxRetries,
	}
}

// Request describes one downstream invocation.
type Request struct {
	Method       string
	EndpointPath string
	Body         json.RawMessage
	Timeout      time.Duration
}

// Invoke calls the downstream API for req, retrying transient faults
// internally before returning. The returned []byte is the raw 2xx
// response body.
func (c *Client) Invoke(ctx context.Context, req Request) ([]byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	endpoint := c.baseURL + req.EndpointPath

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		body, err := c.attempt(ctx, timeout, req.Method, endpoint, req.Body)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !shaping.Retryable(err) {
			return nil, err
		}
		slog.Warn("downstream attempt failed", "endpoint", endpoint, "attempt", attempt, "error", err)
		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
	}
	return nil, lastErr
}

// backoff returns base*2^(n-1) capped at retryCap, with uniform ±10%
// jitter.
func backoff(attempt int) time.Duration {
	exp := retryBase * (1 << (attempt - 1))
	if exp > retryCap {
		exp = retryCap
	}
	jitterRange := float64(exp) * jitterFraction
	delta := (rand.Float64()*2 - 1) * jitterRange
	d := time.Duration(float64(exp) + delta)
	if d < 0 {
		d = 0
	}
	return d
}

func (c *Client) attempt(ctx context.Context, timeout time.Duration, method, endpoint string, body json.RawMessage) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Anything http.Client.Do returns directly is below the status
		// line: connection refused/reset, DNS failure, or timeout.
		return nil, &shaping.TransportError{Endpoint: endpoint, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &shaping.TransportError{Endpoint: endpoint, Cause: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &shaping.UpstreamRateLimited{Endpoint: endpoint, ResponseBody: string(respBody)}
	case resp.StatusCode >= 500:
		return nil, &shaping.UpstreamServerError{Endpoint: endpoint, Status: resp.StatusCode, ResponseBody: string(respBody)}
	case resp.StatusCode >= 400:
		return nil, &shaping.UpstreamClientError{Endpoint: endpoint, Status: resp.StatusCode, ResponseBody: string(respBody)}
	default:
		return nil, &shaping.TransportError{Endpoint: endpoint, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}
