// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package retry wraps single gateway calls with classification, exponential
// backoff and persisted per-operation state.
//
// A call is retried only when its failure classifies as transient. Waiting
// goes through gateway.Scheduler, so the controller never sleeps directly.
// Operations with an ID persist their State after every failure; a later
// process can resume them until the state passes the stale horizon. The
// attempt budget spans invocations: a resumed operation continues counting
// from its persisted attempts, and one that already used the whole budget
// is abandoned without another call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/config"
	"github.com/tomtom215/shelfsync/internal/gateway"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
)

// ErrAbandoned is returned when a resumed operation had already used its
// whole attempt budget. Its state is deleted.
var ErrAbandoned = errors.New("retry: operation abandoned")

// Policy bounds retrying.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// PolicyFrom converts the retry configuration.
func PolicyFrom(cfg config.RetryConfig) Policy {
	return Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}
}

// Backoff returns the delay before the retry that follows attempt (1-based):
// min(base * multiplier^(attempt-1) + jitter, max), where jitter is
// jitterFrac * 0.1 * delay and jitterFrac is in [0, 1).
func Backoff(p Policy, attempt int, cat Category, jitterFrac float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := cat.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	delay += jitterFrac * 0.1 * delay

	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Call performs one attempt.
type Call func(ctx context.Context) gateway.Result

// Operation identifies a resumable call.
type Operation struct {
	ID       string
	Endpoint string
	Method   string
	Payload  json.RawMessage
}

// Outcome is the result of ExecuteWithRetry. Attempts counts calls made by
// this invocation; TotalAttempts includes those of earlier invocations.
type Outcome struct {
	Success       bool
	Result        gateway.Result
	Err           error
	Attempts      int
	TotalAttempts int
	Category      Category

	// Resumed is set when persisted state for the operation was picked up.
	Resumed bool
	// Abandoned is set when the budget was exhausted before this invocation.
	Abandoned bool
}

// Controller executes calls under a Policy.
type Controller struct {
	policy Policy
	sched  gateway.Scheduler
	states *StateStore
	jitter func() float64
}

// NewController builds a controller. states may be nil, in which case
// ExecuteOperation behaves like ExecuteWithRetry.
func NewController(p Policy, sched gateway.Scheduler, states *StateStore) *Controller {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if sched == nil {
		sched = gateway.RealScheduler{}
	}
	return &Controller{policy: p, sched: sched, states: states, jitter: rand.Float64}
}

// SetJitter replaces the jitter source. Tests pin it to make delays exact.
func (c *Controller) SetJitter(fn func() float64) { c.jitter = fn }

// States returns the state store, nil when persistence is disabled.
func (c *Controller) States() *StateStore { return c.states }

// ExecuteWithRetry runs call until it succeeds, fails fatally or exhausts
// the policy. Nothing is persisted.
func (c *Controller) ExecuteWithRetry(ctx context.Context, call Call) Outcome {
	return c.run(ctx, nil, call)
}

// ExecuteOperation is ExecuteWithRetry with state persisted under op.ID.
// Existing non-stale state is resumed: the controller first waits for its
// NextRetryAt and continues the attempt count and backoff from it. State is
// deleted on success and on fatal failure. When attempts run out the state
// is kept, and the next invocation abandons it with ErrAbandoned without
// calling the remote.
func (c *Controller) ExecuteOperation(ctx context.Context, op Operation, call Call) Outcome {
	if c.states == nil || op.ID == "" {
		return c.run(ctx, nil, call)
	}

	st, err := c.states.Load(ctx, op.ID)
	if err != nil && !errors.Is(err, ErrStateStale) {
		logging.Ctx(ctx).Warn().Err(err).Str("operation_id", op.ID).Msg("Ignoring unreadable retry state")
	}

	resumed := st != nil
	if st != nil && st.Attempts >= c.policy.MaxAttempts {
		return c.abandon(ctx, st)
	}
	if st == nil {
		st = &State{OperationID: op.ID, Endpoint: op.Endpoint, Method: op.Method, Payload: op.Payload}
	} else if st.NextRetryAt != nil {
		logging.Ctx(ctx).Info().
			Str("operation_id", op.ID).
			Int("prior_attempts", st.Attempts).
			Time("next_retry_at", *st.NextRetryAt).
			Msg("Resuming operation from persisted retry state")
		if err := c.sched.WaitUntil(ctx, *st.NextRetryAt); err != nil {
			return Outcome{Err: err, Category: CategoryCanceled, Resumed: true}
		}
	}

	out := c.run(ctx, st, call)
	out.Resumed = resumed
	return out
}

func (c *Controller) abandon(ctx context.Context, st *State) Outcome {
	c.forget(ctx, st)
	metrics.RetryOutcomes.WithLabelValues("abandoned").Inc()
	logging.Ctx(ctx).Error().
		Str("operation_id", st.OperationID).
		Int("attempts", st.Attempts).
		Str("last_error", st.LastError).
		Msg("Abandoning operation, attempt budget exhausted")
	return Outcome{
		Err:           fmt.Errorf("%w after %d attempts: %s", ErrAbandoned, st.Attempts, st.LastError),
		TotalAttempts: st.Attempts,
		Category:      categoryNamed(st.Category),
		Resumed:       true,
		Abandoned:     true,
	}
}

// run calls until success, fatal failure or exhaustion. attempt is the
// cumulative attempt number, starting after any persisted attempts.
func (c *Controller) run(ctx context.Context, st *State, call Call) Outcome {
	var last gateway.Result
	var cat Category

	prior := 0
	if st != nil {
		prior = st.Attempts
	}
	outcome := func(o Outcome, attempt int) Outcome {
		o.Attempts = attempt - prior
		o.TotalAttempts = attempt
		return o
	}

	for attempt := prior + 1; ; attempt++ {
		last = call(ctx)
		if last.IsOk() {
			c.forget(ctx, st)
			metrics.RetryOutcomes.WithLabelValues("success").Inc()
			return outcome(Outcome{Success: true, Result: last}, attempt)
		}

		cat = Classify(last.Error())
		log := logging.Ctx(ctx)

		if cat == CategoryCanceled {
			// state stays persisted; the operation was interrupted, not abandoned
			log.Warn().Err(last.Error()).Int("attempt", attempt).Msg("Call canceled")
			return outcome(Outcome{Result: last, Err: last.Error(), Category: cat}, attempt)
		}
		if !cat.Retryable {
			c.forget(ctx, st)
			metrics.RetryOutcomes.WithLabelValues("fatal").Inc()
			log.Error().Err(last.Error()).Str("category", cat.Name).Int("attempt", attempt).Msg("Call failed with non-retryable error")
			return outcome(Outcome{Result: last, Err: last.Error(), Category: cat}, attempt)
		}

		metrics.RetryAttempts.WithLabelValues(cat.Name).Inc()
		delay := c.delayFor(attempt, cat, last.Err)
		next := c.sched.Now().Add(delay)
		c.remember(ctx, st, attempt, last.Error(), cat, next)

		if attempt >= c.policy.MaxAttempts {
			metrics.RetryOutcomes.WithLabelValues("exhausted").Inc()
			log.Error().Err(last.Error()).Str("category", cat.Name).Int("attempts", attempt).Msg("Retry attempts exhausted")
			return outcome(Outcome{
				Result:   last,
				Err:      fmt.Errorf("max retry attempts (%d) reached: %w", attempt, last.Error()),
				Category: cat,
			}, attempt)
		}

		log.Warn().
			Err(last.Error()).
			Str("category", cat.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retryable failure, backing off")

		if err := c.sched.WaitUntil(ctx, next); err != nil {
			return outcome(Outcome{Result: last, Err: err, Category: CategoryCanceled}, attempt)
		}
	}
}

// delayFor honors a server-sent Retry-After for rate-limit responses and
// otherwise applies Backoff.
func (c *Controller) delayFor(attempt int, cat Category, gwErr *gateway.Error) time.Duration {
	if gwErr != nil && gwErr.RetryAfter > 0 {
		return gwErr.RetryAfter
	}
	return Backoff(c.policy, attempt, cat, c.jitter())
}

func (c *Controller) remember(ctx context.Context, st *State, attempt int, err error, cat Category, next time.Time) {
	if st == nil {
		return
	}
	st.Attempts = attempt
	st.LastError = err.Error()
	st.Category = cat.Name
	st.NextRetryAt = &next
	if saveErr := c.states.Save(ctx, st); saveErr != nil {
		logging.Ctx(ctx).Error().Err(saveErr).Str("operation_id", st.OperationID).Msg("Failed to persist retry state")
	}
}

func (c *Controller) forget(ctx context.Context, st *State) {
	if st == nil {
		return
	}
	if err := c.states.Delete(ctx, st.OperationID); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("operation_id", st.OperationID).Msg("Failed to delete retry state")
	}
}
