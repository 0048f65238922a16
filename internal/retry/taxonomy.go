// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package retry

import (
	"context"
	"errors"
	"net"

	"github.com/tomtom215/shelfsync/internal/gateway"
)

// Category is one row of the error taxonomy.
type Category struct {
	Name       string
	Retryable  bool
	Multiplier float64
}

var (
	CategoryRateLimit      = Category{Name: "rate_limit", Retryable: true, Multiplier: 2}
	CategoryNetwork        = Category{Name: "network", Retryable: true, Multiplier: 1.5}
	CategoryServer         = Category{Name: "server", Retryable: true, Multiplier: 2}
	CategoryAuthentication = Category{Name: "authentication"}
	CategoryAuthorization  = Category{Name: "authorization"}
	CategoryNotFound       = Category{Name: "not_found"}
	CategoryValidation     = Category{Name: "validation"}
	CategoryCanceled       = Category{Name: "canceled"}
	CategoryUnknown        = Category{Name: "unknown", Retryable: true, Multiplier: 1.5}
)

// categoryNamed maps a persisted category name back to its Category.
func categoryNamed(name string) Category {
	for _, c := range []Category{
		CategoryRateLimit, CategoryNetwork, CategoryServer, CategoryAuthentication,
		CategoryAuthorization, CategoryNotFound, CategoryValidation, CategoryCanceled,
	} {
		if c.Name == name {
			return c
		}
	}
	return CategoryUnknown
}

type rule struct {
	category Category
	match    func(e *gateway.Error) bool
}

func hasCode(codes ...gateway.Code) func(*gateway.Error) bool {
	return func(e *gateway.Error) bool {
		for _, c := range codes {
			if e.Code == c {
				return true
			}
		}
		return false
	}
}

func hasStatus(statuses ...int) func(*gateway.Error) bool {
	return func(e *gateway.Error) bool {
		for _, s := range statuses {
			if e.Status == s {
				return true
			}
		}
		return false
	}
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{CategoryRateLimit, func(e *gateway.Error) bool {
		return e.Code == gateway.CodeRateLimited || e.Status == 429
	}},
	{CategoryNetwork, func(e *gateway.Error) bool {
		return hasCode(gateway.CodeNetwork, gateway.CodeTimeout, gateway.CodeUnavailable, gateway.CodeCircuitOpen)(e) ||
			hasStatus(502, 503, 504)(e)
	}},
	{CategoryServer, func(e *gateway.Error) bool {
		return e.Code == gateway.CodeServer || e.Status >= 500
	}},
	{CategoryAuthentication, func(e *gateway.Error) bool {
		return e.Code == gateway.CodeUnauthorized || e.Status == 401
	}},
	{CategoryAuthorization, func(e *gateway.Error) bool {
		return e.Code == gateway.CodeForbidden || e.Status == 403
	}},
	{CategoryNotFound, func(e *gateway.Error) bool {
		return e.Code == gateway.CodeNotFound || e.Status == 404
	}},
	{CategoryValidation, func(e *gateway.Error) bool {
		return hasCode(gateway.CodeValidation, gateway.CodeDecode)(e) || e.Status == 400
	}},
	{CategoryCanceled, hasCode(gateway.CodeCanceled)},
}

// Classify maps an error to its taxonomy category. Gateway errors are
// matched on their structured code and status; other errors fall back to
// context and net.Error inspection, and finally to CategoryUnknown.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		for _, r := range rules {
			if r.match(gwErr) {
				return r.category
			}
		}
		return CategoryUnknown
	}

	if errors.Is(err, context.Canceled) {
		return CategoryCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	return CategoryUnknown
}
