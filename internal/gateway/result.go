// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Code is a structured failure code. Retry policy is decided from the code
// and status, never from error message text.
type Code string

const (
	CodeRateLimited  Code = "rate_limited"
	CodeNetwork      Code = "network"
	CodeTimeout      Code = "timeout"
	CodeUnavailable  Code = "upstream_unavailable" // 502, 503, 504
	CodeServer       Code = "server_error"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeValidation   Code = "validation"
	CodeCircuitOpen  Code = "circuit_open"
	CodeCanceled     Code = "canceled"
	CodeDecode       Code = "decode"
	CodeUnknown      Code = "unknown"
)

// Error describes a failed gateway call.
type Error struct {
	Code   Code
	Status int
	Method string
	URL    string

	// RetryAfter is the server-requested delay, zero if none was sent.
	RetryAfter time.Duration

	// Body is a bounded excerpt of the error response.
	Body string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Code)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Kind tags a Result.
type Kind int

const (
	KindOk Kind = iota
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the outcome of exactly one request: Ok, Retryable or Fatal.
type Result struct {
	Kind   Kind
	Status int
	Header http.Header
	Body   []byte
	Err    *Error
}

// Ok builds a successful result.
func Ok(status int, header http.Header, body []byte) Result {
	return Result{Kind: KindOk, Status: status, Header: header, Body: body}
}

// Retryable builds a transient failure.
func Retryable(err *Error) Result {
	return Result{Kind: KindRetryable, Status: err.Status, Err: err}
}

// Fatal builds a permanent failure.
func Fatal(err *Error) Result {
	return Result{Kind: KindFatal, Status: err.Status, Err: err}
}

// FromError classifies err by its code. Used by callers that fail before
// or after the request itself, e.g. when decoding a body.
func FromError(err *Error) Result {
	if err.Code.Retryable() {
		return Retryable(err)
	}
	return Fatal(err)
}

// IsOk reports whether the call succeeded.
func (r Result) IsOk() bool { return r.Kind == KindOk }

// Error returns the failure as an error, nil for Ok results.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Decode unmarshals the response body into v.
func (r Result) Decode(v interface{}) error {
	if r.Kind != KindOk {
		return r.Error()
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &Error{Code: CodeDecode, Status: r.Status, Err: err}
	}
	return nil
}

// Retryable reports whether a failure with this code may succeed on retry.
func (c Code) Retryable() bool {
	switch c {
	case CodeUnauthorized, CodeForbidden, CodeNotFound, CodeValidation, CodeCanceled, CodeDecode:
		return false
	default:
		return true
	}
}

// codeForStatus maps an HTTP status (>= 400) to a code.
func codeForStatus(status int) Code {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeUnavailable
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return CodeUnavailable
	case status >= 500:
		return CodeServer
	default:
		return CodeUnknown
	}
}
