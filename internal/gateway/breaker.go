// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package gateway

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/shelfsync/internal/config"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
)

// breaker wraps gobreaker. Only retryable results count as failures; a 404
// or 401 proves the remote is up and must not open the circuit.
//
// gobreaker uses wall-clock time for its interval and open timeout, so tests
// exercise the breaker through ReadyToTrip thresholds rather than recovery.
type breaker struct {
	cb   *gobreaker.CircuitBreaker[Result]
	name string
}

func newBreaker(name string, cfg config.BreakerConfig) *breaker {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	failureRate := cfg.FailureRate
	if failureRate <= 0 {
		failureRate = 0.6
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= failureRate {
				logging.Warn().
					Str("breaker", name).
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio).
					Msg("Opening circuit")
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &breaker{cb: cb, name: name}
}

func (b *breaker) run(method, target string, fn func() Result) Result {
	res, err := b.cb.Execute(func() (Result, error) {
		r := fn()
		if r.Kind == KindRetryable {
			return r, r.Err
		}
		return r, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerRejected.WithLabelValues(b.name).Inc()
		return Retryable(&Error{Code: CodeCircuitOpen, Method: method, URL: target, Err: err})
	}
	return res
}

// State reports the current breaker state.
func (b *breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
