// Package httpx is the JSON-over-HTTP client shared by the Zerion and LI.FI
// adapters. It retries transient failures and maps HTTP outcomes onto CLI
// error codes.
package httpx

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
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

const (
	backoffBase  = 120 * time.Millisecond
	backoffLimit = 2 * time.Second
)

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	log        zerolog.Logger
}

type Option func(*Client)

// WithLogger logs each response at debug and each retry at warn.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if strings.TrimSpace(ua) != "" {
			c.userAgent = ua
		}
	}
}

func New(timeout time.Duration, retries int, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    max(retries, 0),
		userAgent:  "boundless",
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// outcome is the result of a single round trip.
type outcome struct {
	header http.Header
	body   []byte
	err    error
	// retryAfter is non-zero when the provider asked for a specific delay.
	retryAfter time.Duration
	transient  bool
}

// DoJSON sends req and decodes a 2xx body into out. A nil out discards the
// body. Rate limits, 5xx responses and network failures are retried.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var last outcome
	for attempt := 0; ; attempt++ {
		last = c.roundTrip(ctx, req)
		if !last.transient || attempt >= c.retries {
			break
		}
		wait := last.retryAfter
		if wait == 0 {
			wait = backoff(attempt + 1)
		}
		c.log.Warn().Err(last.err).Int("attempt", attempt+1).Dur("wait", wait).Str("host", req.URL.Host).Msg("retrying provider request")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
		case <-timer.C:
		}
	}
	if last.err != nil {
		return last.header, last.err
	}
	if out == nil {
		return last.header, nil
	}
	if len(bytes.TrimSpace(last.body)) == 0 {
		return last.header, clierr.New(clierr.CodeUnavailable, "provider returned empty response")
	}
	if err := json.Unmarshal(last.body, out); err != nil {
		return last.header, clierr.Wrap(clierr.CodeUnavailable, "decode provider JSON", err)
	}
	return last.header, nil
}

// SendJSON builds a request with an optional JSON body and runs it through
// DoJSON. Headers with blank values are skipped.
func (c *Client) SendJSON(ctx context.Context, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		if strings.TrimSpace(v) != "" {
			req.Header.Set(k, v)
		}
	}
	return c.DoJSON(ctx, req, out)
}

func (c *Client) roundTrip(ctx context.Context, req *http.Request) outcome {
	clone := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return outcome{err: clierr.Wrap(clierr.CodeInternal, "clone request body", err)}
		}
		clone.Body = body
	}

	started := time.Now()
	resp, err := c.httpClient.Do(clone)
	if err != nil {
		return outcome{err: networkError(err), transient: ctx.Err() == nil}
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	c.log.Debug().
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("provider request")
	if err != nil {
		return outcome{header: resp.Header, err: clierr.Wrap(clierr.CodeUnavailable, "read provider response", err)}
	}
	res := outcome{header: resp.Header, body: buf}
	res.transient, res.err = classifyStatus(resp.StatusCode, buf)
	if resp.StatusCode == http.StatusTooManyRequests {
		res.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return res
}

// classifyStatus maps a response status onto a CLI error and reports whether
// the request is worth retrying.
func classifyStatus(status int, body []byte) (bool, error) {
	switch {
	case status >= 200 && status < 300:
		return false, nil
	case status == http.StatusTooManyRequests:
		return true, clierr.New(clierr.CodeRateLimited, "provider rate limited request")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return false, clierr.New(clierr.CodeAuth, "provider authentication failed")
	case status >= http.StatusInternalServerError:
		return true, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("provider unavailable (status %d)", status))
	case status == http.StatusNotFound:
		return false, clierr.New(clierr.CodeNoRoute, withProviderMessage("provider found no result", body))
	default:
		return false, clierr.New(clierr.CodeUnsupported, withProviderMessage(fmt.Sprintf("provider returned unexpected status %d", status), body))
	}
}

// withProviderMessage appends the "message" field of a JSON error body.
func withProviderMessage(prefix string, body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.Message) == "" {
		return prefix
	}
	return prefix + ": " + strings.TrimSpace(payload.Message)
}

func networkError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}

// parseRetryAfter accepts the delay-seconds form only, capped at the backoff
// limit.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, backoffLimit)
}

func backoff(attempt int) time.Duration {
	d := min(backoffBase<<uint(attempt-1), backoffLimit)
	return d + time.Duration(rand.Intn(75))*time.Millisecond
}
