// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package fetch retrieves complete remote collections by walking cursor
// pagination through the gateway and the retry controller.
//
// Pages are requested strictly in cursor order; pacing happens inside the
// gateway. Pagination stops, in priority order, on a short page, on a
// missing cursor, or when the safety ceiling is reached. The ceiling is a
// warning, not a failure.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/config"
	"github.com/tomtom215/shelfsync/internal/gateway"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
	"github.com/tomtom215/shelfsync/internal/retry"
)

// ErrFatalPage marks a fetch aborted by a page that could not be retrieved.
var ErrFatalPage = errors.New("fetch: page request failed")

// Filters are passed as query parameters on the first page request.
type Filters map[string]string

// StopReason records why pagination ended.
type StopReason string

const (
	StopShortPage StopReason = "short_page"
	StopNoCursor  StopReason = "no_cursor"
	StopCeiling   StopReason = "safety_ceiling"
	StopFailed    StopReason = "failed"
)

// Collection is the aggregated result of FetchCollection.
type Collection struct {
	Resource string            `json:"resource"`
	Items    []json.RawMessage `json:"items"`
	Count    int               `json:"count"`
	Pages    int               `json:"pages"`
	Elapsed  time.Duration     `json:"elapsed"`
	Stop     StopReason        `json:"stop"`
}

// Truncated reports whether the safety ceiling cut pagination short.
func (c Collection) Truncated() bool { return c.Stop == StopCeiling }

// Error carries the partial progress of an aborted fetch.
type Error struct {
	Resource string
	Fetched  int
	Cursor   string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s aborted after %d items (cursor %q, %d attempts): %v",
		e.Resource, e.Fetched, e.Cursor, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrFatalPage, e.Err} }

// Progress is emitted while a collection is being fetched.
type Progress struct {
	Resource   string        `json:"resource"`
	Count      int           `json:"count"`
	Pages      int           `json:"pages"`
	Elapsed    time.Duration `json:"elapsed"`
	Throughput float64       `json:"throughput"` // items per second
	Done       bool          `json:"done"`
}

// Reporter receives progress events. Implementations must not block.
type Reporter interface {
	Report(ctx context.Context, p Progress)
}

// Options bound a fetch.
type Options struct {
	PageSize      int
	MaxPageSize   int
	SafetyCeiling int
	ProgressEvery int

	// LimitParam and CursorParam name the page-size and cursor query params.
	LimitParam  string
	CursorParam string
}

// OptionsFrom converts the fetch configuration.
func OptionsFrom(cfg config.FetchConfig) Options {
	return Options{
		PageSize:      cfg.PageSize,
		MaxPageSize:   cfg.MaxPageSize,
		SafetyCeiling: cfg.SafetyCeiling,
		ProgressEvery: cfg.ProgressEvery,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 250
	}
	if o.PageSize <= 0 || o.PageSize > o.MaxPageSize {
		o.PageSize = o.MaxPageSize
	}
	if o.SafetyCeiling <= 0 {
		o.SafetyCeiling = 10000
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 1
	}
	if o.LimitParam == "" {
		o.LimitParam = "limit"
	}
	if o.CursorParam == "" {
		o.CursorParam = "page_info"
	}
	return o
}

// Engine fetches collections.
type Engine struct {
	doer      gateway.Doer
	ctrl      *retry.Controller
	opts      Options
	extractor Extractor
	reporter  Reporter
	now       func() time.Time
}

// NewEngine builds an engine. reporter may be nil; now defaults to time.Now
// and should be the gateway scheduler's clock when one is injected.
func NewEngine(doer gateway.Doer, ctrl *retry.Controller, opts Options, reporter Reporter, now func() time.Time) *Engine {
	opts = opts.withDefaults()
	if now == nil {
		now = time.Now
	}
	return &Engine{
		doer:      doer,
		ctrl:      ctrl,
		opts:      opts,
		extractor: LinkExtractor{CursorParam: opts.CursorParam},
		reporter:  reporter,
		now:       now,
	}
}

// SetExtractor replaces the default Link-header extractor.
func (e *Engine) SetExtractor(x Extractor) { e.extractor = x }

// PageSize returns the effective page size.
func (e *Engine) PageSize() int { return e.opts.PageSize }

// FetchCollection retrieves every item of resource. The resource name is
// both the endpoint ("products" -> products.json) and the items key in the
// response body.
//
// On a fatal page failure the items gathered so far are returned together
// with an *Error carrying the partial count.
func (e *Engine) FetchCollection(ctx context.Context, resource string, filters Filters) (Collection, error) {
	start := e.now()
	log := logging.Ctx(ctx).With().Str("component", "fetch").Str("resource", resource).Logger()

	col := Collection{Resource: resource}
	cursor := ""

	for {
		req := e.pageRequest(resource, filters, cursor)
		out := e.ctrl.ExecuteWithRetry(ctx, func(ctx context.Context) gateway.Result {
			return e.doer.Do(ctx, req)
		})

		if !out.Success {
			col.Stop = StopFailed
			col.Elapsed = e.now().Sub(start)
			log.Error().
				Err(out.Err).
				Int("fetched", col.Count).
				Str("cursor", cursor).
				Int("attempts", out.Attempts).
				Msg("Fetch aborted")
			return col, &Error{Resource: resource, Fetched: col.Count, Cursor: cursor, Attempts: out.Attempts, Err: out.Err}
		}

		page, err := e.extractor.Extract(resource, out.Result)
		if err != nil {
			col.Stop = StopFailed
			col.Elapsed = e.now().Sub(start)
			log.Error().Err(err).Int("fetched", col.Count).Str("cursor", cursor).Msg("Undecodable page")
			return col, &Error{Resource: resource, Fetched: col.Count, Cursor: cursor, Attempts: out.Attempts, Err: err}
		}

		col.Items = append(col.Items, page.Items...)
		col.Count = len(col.Items)
		col.Pages++
		metrics.FetchPages.WithLabelValues(resource).Inc()
		metrics.FetchItems.WithLabelValues(resource).Add(float64(len(page.Items)))

		if col.Pages%e.opts.ProgressEvery == 0 {
			e.report(ctx, col, start, false)
		}

		if len(page.Items) < e.opts.PageSize {
			col.Stop = StopShortPage
			break
		}
		if page.NextCursor == "" {
			col.Stop = StopNoCursor
			break
		}
		if col.Count >= e.opts.SafetyCeiling {
			col.Stop = StopCeiling
			metrics.FetchCeilingAborts.WithLabelValues(resource).Inc()
			log.Warn().
				Int("fetched", col.Count).
				Int("ceiling", e.opts.SafetyCeiling).
				Msg("Safety ceiling reached, stopping pagination")
			break
		}
		cursor = page.NextCursor
	}

	col.Elapsed = e.now().Sub(start)
	e.report(ctx, col, start, true)
	log.Info().
		Int("count", col.Count).
		Int("pages", col.Pages).
		Str("stop", string(col.Stop)).
		Dur("elapsed", col.Elapsed).
		Msg("Fetch complete")
	return col, nil
}

// pageRequest builds the request for one page. Cursor requests carry only
// the page size and cursor; filters are encoded in the cursor by the remote.
func (e *Engine) pageRequest(resource string, filters Filters, cursor string) gateway.Request {
	q := url.Values{}
	q.Set(e.opts.LimitParam, strconv.Itoa(e.opts.PageSize))
	if cursor != "" {
		q.Set(e.opts.CursorParam, cursor)
	} else {
		for k, v := range filters {
			q.Set(k, v)
		}
	}
	return gateway.Request{Path: resource + ".json", Query: q}
}

func (e *Engine) report(ctx context.Context, col Collection, start time.Time, done bool) {
	if e.reporter == nil {
		return
	}
	elapsed := e.now().Sub(start)
	p := Progress{
		Resource: col.Resource,
		Count:    col.Count,
		Pages:    col.Pages,
		Elapsed:  elapsed,
		Done:     done,
	}
	if elapsed > 0 {
		p.Throughput = float64(col.Count) / elapsed.Seconds()
	}
	e.reporter.Report(ctx, p)
}
