// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package gateway issues single authenticated requests against the remote
// catalog API. Every call is paced, optionally guarded by a circuit breaker,
// and returns a typed Result instead of an error so that retry policy stays a
// pure function of the outcome.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/config"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
)

const (
	// maxErrorBodySize bounds how much of an error response is kept.
	maxErrorBodySize = 64 * 1024

	// maxBodySize bounds successful response bodies.
	maxBodySize = 32 << 20

	defaultUserAgent = "shelfsync/1.0"
)

// Request describes one call. Path is resolved against the base URL unless
// it is already absolute (as with pagination links).
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
	Header http.Header
}

// Doer performs a single request. *Client implements it; tests substitute
// scripted fakes.
type Doer interface {
	Do(ctx context.Context, req Request) Result
}

// Client is the remote API gateway.
type Client struct {
	base        *url.URL
	token       string
	tokenHeader string
	userAgent   string
	http        *http.Client
	pacer       *Pacer
	breaker     *breaker
}

// Option customizes a Client.
type Option func(*Client)

// WithScheduler replaces the wall-clock scheduler used for pacing.
func WithScheduler(s Scheduler) Option {
	return func(c *Client) { c.pacer = NewPacer(c.pacer.interval, s) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBreaker guards the client with a circuit breaker.
func WithBreaker(cfg config.BreakerConfig) Option {
	return func(c *Client) {
		if cfg.Enabled {
			c.breaker = newBreaker("remote-api", cfg)
		}
	}
}

// New builds a gateway client from the remote configuration.
func New(cfg config.RemoteConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", cfg.BaseURL)
	}
	header := cfg.TokenHeader
	if header == "" {
		header = "X-Access-Token"
	}

	c := &Client{
		base:        base,
		token:       cfg.Token,
		tokenHeader: header,
		userAgent:   defaultUserAgent,
		http:        &http.Client{Timeout: cfg.Timeout},
		pacer:       NewPacer(cfg.MinInterval, RealScheduler{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Scheduler returns the scheduler used for pacing, so the retry controller
// can share the same clock.
func (c *Client) Scheduler() Scheduler { return c.pacer.Scheduler() }

// Do implements Doer.
func (c *Client) Do(ctx context.Context, req Request) Result {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target := c.resolve(req)

	if err := c.pacer.Wait(ctx); err != nil {
		return Fatal(&Error{Code: CodeCanceled, Method: req.Method, URL: target, Err: err})
	}

	if c.breaker != nil {
		return c.breaker.run(req.Method, target, func() Result { return c.send(ctx, req, target) })
	}
	return c.send(ctx, req, target)
}

func (c *Client) resolve(req Request) string {
	u, err := url.Parse(req.Path)
	if err != nil {
		return req.Path
	}
	if !u.IsAbs() {
		u = c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(u.Path, "/"), RawQuery: u.RawQuery})
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) send(ctx context.Context, req Request, target string) Result {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return Fatal(&Error{Code: CodeValidation, Method: req.Method, URL: target, Err: fmt.Errorf("encode body: %w", err)})
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return Fatal(&Error{Code: CodeValidation, Method: req.Method, URL: target, Err: err})
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set(c.tokenHeader, c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordGatewayRequest(req.Method, 0, time.Since(start))
		gwErr := &Error{Code: transportCode(ctx, err), Method: req.Method, URL: target, Err: err}
		logging.Ctx(ctx).Debug().Err(err).Str("url", target).Str("code", string(gwErr.Code)).Msg("Request failed before response")
		return FromError(gwErr)
	}
	defer resp.Body.Close()
	metrics.RecordGatewayRequest(req.Method, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 || rateLimitSignaled(resp) {
		gwErr := &Error{
			Code:   codeForStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Method: req.Method,
			URL:    target,
			Body:   string(readBodyForError(resp.Body)),
		}
		if rateLimitSignaled(resp) {
			gwErr.Code = CodeRateLimited
		}
		if gwErr.Code == CodeRateLimited {
			gwErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		logging.Ctx(ctx).Debug().
			Int("status", resp.StatusCode).
			Str("url", target).
			Str("code", string(gwErr.Code)).
			Dur("retry_after", gwErr.RetryAfter).
			Msg("Remote API returned error status")
		return FromError(gwErr)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Retryable(&Error{Code: CodeNetwork, Status: resp.StatusCode, Method: req.Method, URL: target, Err: fmt.Errorf("read body: %w", err)})
	}
	return Ok(resp.StatusCode, resp.Header, data)
}

// rateLimitSignaled detects an explicit rate-limit signal on a non-2xx
// response, e.g. a 403 carrying X-RateLimit-Remaining: 0.
func rateLimitSignaled(resp *http.Response) bool {
	if resp.StatusCode < 400 {
		return false
	}
	return strings.TrimSpace(resp.Header.Get("X-RateLimit-Remaining")) == "0"
}

func transportCode(ctx context.Context, err error) Code {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return CodeCanceled
		}
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeNetwork
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// readBodyForError reads at most maxErrorBodySize bytes of an error response.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return bytes.TrimSpace(body)
}
