// Package transport holds the HTTP plumbing shared by the video host
// clients: authenticated request executors, a retrying request helper and
// the mapping from HTTP status codes to domain errors.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
)

const (
	DefaultTimeout = 60 * time.Second
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxErrorBody   = 512
)

// NewHTTPClient returns the client hosts use when none is injected
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// BasicAuth adds HTTP basic credentials to every request
type BasicAuth struct {
	Doer     domain.Doer
	Username string
	Password string
}

func (b *BasicAuth) Do(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(b.Username, b.Password)
	return b.Doer.Do(req)
}

// BearerToken adds an OAuth bearer token to every request
type BearerToken struct {
	Doer  domain.Doer
	Token string
}

func (b *BearerToken) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return b.Doer.Do(req)
}

// Response is a fully read HTTP response
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client performs requests against one host's base URL
type Client struct {
	host    string
	baseURL string
	doer    domain.Doer
	logger  *slog.Logger

	// RetryDelay is the first backoff step; tests set it to zero
	RetryDelay time.Duration
}

// NewClient creates a client for host rooted at baseURL
func NewClient(host, baseURL string, doer domain.Doer, logger *slog.Logger) *Client {
	if doer == nil {
		doer = NewHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		host:       host,
		baseURL:    strings.TrimRight(baseURL, "/"),
		doer:       doer,
		logger:     logger,
		RetryDelay: baseRetryDelay,
	}
}

// BaseURL returns the host root without a trailing slash
func (c *Client) BaseURL() string { return c.baseURL }

// URL joins path onto the base URL
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Do performs a request. Network failures and 5xx answers are retried with
// exponential backoff and finally reported as domain.ErrHostUnavailable;
// every other status is returned to the caller to interpret. body may be
// nil; it is buffered so retries can resend it.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	reqURL := c.URL(path)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt > 0 {
			delay := c.RetryDelay * time.Duration(1<<(attempt-1)) // 500ms, 1s, 2s
			c.logger.Debug("retrying request", "host", c.host, "attempt", attempt, "delay", delay, "url", reqURL)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.doer.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.logger.Warn("host request failed", "host", c.host, "method", method, "url", reqURL, "attempt", attempt, "error", err)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d - %s", resp.StatusCode, truncate(data))
			c.logger.Warn("host server error, will retry",
				"host", c.host,
				"status", resp.StatusCode,
				"attempt", attempt,
				"maxRetries", maxRetries,
				"url", reqURL,
			)
			continue
		}

		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	c.logger.Error("host request failed after retries", "host", c.host, "url", reqURL, "error", lastErr)
	return nil, fmt.Errorf("%w: %w", domain.ErrHostUnavailable, lastErr)
}

// Stream sends r as the request body in a single attempt. Media uploads use
// it because the body cannot be replayed.
func (c *Client) Stream(ctx context.Context, method, path string, header http.Header, r io.Reader, size int64) (*Response, error) {
	reqURL := c.URL(path)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("host upload failed", "host", c.host, "url", reqURL, "error", err)
		return nil, fmt.Errorf("%w: %w", domain.ErrHostUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// StatusError converts an unexpected status into a domain error
func StatusError(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrAuthFailed
	case http.StatusNotFound, http.StatusGone:
		return domain.ErrNotFound
	case http.StatusPreconditionFailed, http.StatusConflict:
		return domain.ErrConflict
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return domain.ErrUnsupported
	}
	if status >= 500 {
		return fmt.Errorf("%w: status %d", domain.ErrHostUnavailable, status)
	}
	return fmt.Errorf("unexpected status code: %d - %s", status, truncate(body))
}

// Wrap attaches host context to err, preserving domain sentinels
func Wrap(host, op string, id uuid.UUID, status int, err error) error {
	if err == nil {
		return nil
	}
	var he *domain.HostError
	if errors.As(err, &he) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.HostError{Host: host, Op: op, ID: id, Status: status, Err: err}
}

// ParseLastModified reads a Last-Modified header, returning zero when absent
func ParseLastModified(h http.Header) time.Time {
	v := h.Get("Last-Modified")
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
