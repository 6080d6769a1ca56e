package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/KaramelBytes/dida-cli/internal/logger"
)

// SessionHeader carries the workspace session id on every request.
const SessionHeader = "X-Session-ID"

// SessionSource supplies the session id threaded through every request.
type SessionSource interface {
	GetOrCreate() string
}

// StaticSession is a fixed session id, handy for tests and one-off tools.
type StaticSession string

func (s StaticSession) GetOrCreate() string { return string(s) }

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL     string
	HTTPTimeout time.Duration
	RetryMax    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      logger.Logger
	HTTPClient  *http.Client
}

// Client talks to the DIDA backend REST API.
type Client struct {
	httpClient       *http.Client
	baseURL          string
	session          SessionSource
	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	log              logger.Logger
}

// NewClient builds a client with default timeouts and retry strategy applied
// to any unset option.
func NewClient(opts Options, session SessionSource) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8000/api"
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 120 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 4 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.HTTPTimeout}
	}
	return &Client{
		httpClient:       hc,
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		session:          session,
		retryMaxAttempts: opts.RetryMax,
		retryBaseDelay:   opts.BaseDelay,
		retryMaxDelay:    opts.MaxDelay,
		log:              opts.Logger,
	}
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string { return c.baseURL }

// SessionID returns the id sent with every request.
func (c *Client) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.GetOrCreate()
}

// request describes one call. Only idempotent requests are retried; write
// operations are retried by the user, never automatically.
type request struct {
	method      string
	path        string
	body        []byte
	// stream is a one-shot body; requests carrying one are never retried.
	stream      io.Reader
	contentType string
	idempotent  bool
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, request{method: http.MethodGet, path: path, idempotent: true}, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}
	return c.do(ctx, request{method: method, path: path, body: payload, contentType: "application/json"}, out)
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	body, err := c.roundTrip(ctx, r)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &DecodeError{Endpoint: r.path, Err: err}
	}
	if v, ok := out.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return &DecodeError{Endpoint: r.path, Err: err}
		}
	}
	return nil
}

// roundTrip performs the request, retrying idempotent calls, and returns
// the raw 2xx body.
func (c *Client) roundTrip(ctx context.Context, r request) ([]byte, error) {
	endpoint := c.baseURL + r.path
	maxAttempts := 1
	if r.idempotent && r.stream == nil {
		maxAttempts = c.retryMaxAttempts
	}
	backoff := c.retryBaseDelay
	sessionID := c.SessionID()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var reader io.Reader
		switch {
		case r.stream != nil:
			reader = r.stream
		case r.body != nil:
			reader = bytes.NewReader(r.body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, r.method, endpoint, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if r.contentType != "" {
			httpReq.Header.Set("Content-Type", r.contentType)
		}
		httpReq.Header.Set("Accept", "application/json")
		if sessionID != "" {
			httpReq.Header.Set(SessionHeader, sessionID)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &UnreachableError{Host: c.baseURL, Err: err}
			if isRetryableNetErr(err) && attempt < maxAttempts {
				c.sleep(ctx, withJitter(backoff))
				backoff *= 2
				continue
			}
			c.log.Warn("api", "request failed", map[string]any{"method": r.method, "path": r.path, "error": err.Error()})
			return nil, lastErr
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.log.Debug("api", "response", map[string]any{
			"method":  r.method,
			"path":    r.path,
			"status":  resp.StatusCode,
			"attempt": attempt,
			"elapsed": time.Since(start).String(),
		})
		if readErr != nil {
			lastErr = &UnreachableError{Host: c.baseURL, Err: readErr}
			if attempt < maxAttempts {
				continue
			}
			return nil, lastErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    extractMessage(body),
			RequestID:  extractRequestID(resp),
			Endpoint:   r.path,
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented)
		if retryable && attempt < maxAttempts {
			lastErr = classifyAPIError(apiErr, resp)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := parseRetryAfterSeconds(ra); err == nil && secs > 0 {
					c.sleep(ctx, time.Duration(secs)*time.Second)
					continue
				}
			}
			sleep := withJitter(backoff)
			if c.retryMaxDelay > 0 && sleep > c.retryMaxDelay {
				sleep = c.retryMaxDelay
			}
			c.sleep(ctx, sleep)
			backoff *= 2
			continue
		}
		return nil, classifyAPIError(apiErr, resp)
	}
	return nil, lastErr
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// extractMessage pulls a human-readable message out of a FastAPI-style error
// body: {"detail": "..."}, {"detail": [{"msg": ...}]} or {"message": "..."}.
func extractMessage(body []byte) string {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		s := strings.TrimSpace(string(body))
		if len(s) > 200 {
			s = s[:200]
		}
		return s
	}
	switch d := raw["detail"].(type) {
	case string:
		return d
	case []any:
		var parts []string
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				if msg, ok := m["msg"].(string); ok {
					parts = append(parts, msg)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	if msg, ok := raw["message"].(string); ok {
		return msg
	}
	if msg, ok := raw["error"].(string); ok {
		return msg
	}
	return ""
}

func isRetryableNetErr(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// parseRetryAfterSeconds tries to interpret Retry-After header value as seconds or HTTP date.
func parseRetryAfterSeconds(v string) (int, error) {
	if s, err := strconv.Atoi(v); err == nil {
		return s, nil
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return int(d.Seconds()), nil
	}
	return 0, fmt.Errorf("invalid Retry-After: %q", v)
}

// extractRequestID pulls a best-effort request ID from common headers.
func extractRequestID(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	for _, k := range []string{"X-Request-Id", "X-Request-ID", "X-Correlation-Id"} {
		if v := resp.Header.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// withJitter returns a backoff duration with +/- 20% jitter applied.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 500 * time.Millisecond
	}
	f := 0.8 + rand.Float64()*0.4
	out := time.Duration(float64(d) * f)
	if out <= 0 {
		return d
	}
	return out
}

// ResolveURL turns a backend-relative download reference such as
// "/api/export/download/<session>/report.pdf" into an absolute URL.
func (c *Client) ResolveURL(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty download reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}
