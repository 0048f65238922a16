// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/shelfsync/internal/gateway"
	"github.com/tomtom215/shelfsync/internal/kvstore"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
}

func fail(code gateway.Code, status int) gateway.Result {
	return gateway.FromError(&gateway.Error{Code: code, Status: status, Method: "GET", URL: "https://x/y"})
}

func ok() gateway.Result {
	return gateway.Ok(200, nil, []byte(`{}`))
}

// script returns a Call yielding results in order, repeating the last one.
func script(results ...gateway.Result) (Call, *int) {
	calls := 0
	return func(context.Context) gateway.Result {
		i := calls
		calls++
		if i >= len(results) {
			i = len(results) - 1
		}
		return results[i]
	}, &calls
}

func newTestController(p Policy, states *StateStore) (*Controller, *gateway.ManualScheduler) {
	sched := gateway.NewManualScheduler(epoch)
	c := NewController(p, sched, states)
	c.SetJitter(func() float64 { return 0 })
	return c, sched
}

func TestRetryableTwiceThenSuccess(t *testing.T) {
	c, sched := newTestController(testPolicy(), nil)
	call, calls := script(fail(gateway.CodeUnavailable, 503), fail(gateway.CodeUnavailable, 503), ok())

	out := c.ExecuteWithRetry(context.Background(), call)

	require.True(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, *calls)
	assert.NoError(t, out.Err)
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, sched.Waits())
}

func TestFatalReturnsOnFirstAttempt(t *testing.T) {
	for _, tc := range []struct {
		code   gateway.Code
		status int
		cat    Category
	}{
		{gateway.CodeUnauthorized, 401, CategoryAuthentication},
		{gateway.CodeForbidden, 403, CategoryAuthorization},
		{gateway.CodeNotFound, 404, CategoryNotFound},
		{gateway.CodeValidation, 400, CategoryValidation},
	} {
		t.Run(tc.cat.Name, func(t *testing.T) {
			c, sched := newTestController(testPolicy(), nil)
			call, calls := script(fail(tc.code, tc.status), ok())

			out := c.ExecuteWithRetry(context.Background(), call)

			assert.False(t, out.Success)
			assert.Equal(t, 1, out.Attempts)
			assert.Equal(t, 1, *calls)
			assert.Equal(t, tc.cat, out.Category)
			assert.Empty(t, sched.Waits())
		})
	}
}

func TestExhaustedReturnsLastError(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 3
	c, sched := newTestController(p, nil)
	call, _ := script(fail(gateway.CodeServer, 500))

	out := c.ExecuteWithRetry(context.Background(), call)

	require.False(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	var gwErr *gateway.Error
	require.ErrorAs(t, out.Err, &gwErr)
	assert.Equal(t, 500, gwErr.Status)
	assert.Equal(t, CategoryServer, out.Category)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sched.Waits())
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	c, sched := newTestController(testPolicy(), nil)
	limited := gateway.FromError(&gateway.Error{Code: gateway.CodeRateLimited, Status: 429, RetryAfter: 7 * time.Second})
	call, _ := script(limited, limited, ok())

	out := c.ExecuteWithRetry(context.Background(), call)

	require.True(t, out.Success)
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, sched.Waits())
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	p := Policy{MaxAttempts: 30, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
	for _, cat := range []Category{CategoryRateLimit, CategoryNetwork, CategoryServer, CategoryUnknown} {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 60; attempt++ {
			d := Backoff(p, attempt, cat, 0)
			assert.GreaterOrEqual(t, d, prev, "%s attempt %d", cat.Name, attempt)
			assert.LessOrEqual(t, d, p.MaxDelay)
			assert.LessOrEqual(t, Backoff(p, attempt, cat, 0.999), p.MaxDelay)
			prev = d
		}
	}
}

func TestBackoffJitterBound(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Hour}
	// attempt 3, multiplier 2: 4s, jitter at most 0.4s
	assert.Equal(t, 4*time.Second, Backoff(p, 3, CategoryServer, 0))
	d := Backoff(p, 3, CategoryServer, 0.999)
	assert.Greater(t, d, 4*time.Second)
	assert.Less(t, d, 4400*time.Millisecond)
}

func TestClassify(t *testing.T) {
	gw := func(code gateway.Code, status int) error {
		return &gateway.Error{Code: code, Status: status}
	}
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"429", gw(gateway.CodeRateLimited, 429), CategoryRateLimit},
		{"rate limit signal on 403", gw(gateway.CodeRateLimited, 403), CategoryRateLimit},
		{"network", gw(gateway.CodeNetwork, 0), CategoryNetwork},
		{"timeout", gw(gateway.CodeTimeout, 0), CategoryNetwork},
		{"502", gw(gateway.CodeUnavailable, 502), CategoryNetwork},
		{"circuit open", gw(gateway.CodeCircuitOpen, 0), CategoryNetwork},
		{"500", gw(gateway.CodeServer, 500), CategoryServer},
		{"401", gw(gateway.CodeUnauthorized, 401), CategoryAuthentication},
		{"403", gw(gateway.CodeForbidden, 403), CategoryAuthorization},
		{"404", gw(gateway.CodeNotFound, 404), CategoryNotFound},
		{"400", gw(gateway.CodeValidation, 400), CategoryValidation},
		{"odd 4xx", gw(gateway.CodeUnknown, 418), CategoryUnknown},
		{"wrapped", errors.Join(errors.New("ctx"), gw(gateway.CodeNotFound, 404)), CategoryNotFound},
		{"canceled", context.Canceled, CategoryCanceled},
		{"deadline", context.DeadlineExceeded, CategoryNetwork},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, CategoryNetwork},
		{"plain", errors.New("something odd"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExecuteOperationPersistsAndResumes(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	sched := gateway.NewManualScheduler(epoch)
	states := NewStateStore(kv, 24*time.Hour, sched.Now)

	p := testPolicy()
	p.MaxAttempts = 3
	first := NewController(p, sched, states)
	first.SetJitter(func() float64 { return 0 })

	// the first process is interrupted while backing off after one failure
	ctx, cancel := context.WithCancel(context.Background())
	op := Operation{ID: "export-42", Endpoint: "products/42.json", Method: "PUT", Payload: []byte(`{"title":"x"}`)}
	out := first.ExecuteOperation(ctx, op, func(context.Context) gateway.Result {
		cancel()
		return fail(gateway.CodeUnavailable, 503)
	})
	require.False(t, out.Success)
	assert.False(t, out.Resumed)

	ctx = context.Background()
	st, err := states.Load(ctx, "export-42")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "PUT", st.Method)
	assert.Equal(t, "products/42.json", st.Endpoint)
	assert.JSONEq(t, `{"title":"x"}`, string(st.Payload))
	assert.Equal(t, "network", st.Category)
	require.NotNil(t, st.NextRetryAt)
	assert.NotEmpty(t, st.LastError)

	// a later invocation picks the state up and finishes the operation
	second := NewController(p, sched, states)
	call2, _ := script(ok())
	out = second.ExecuteOperation(ctx, op, call2)
	require.True(t, out.Success)
	assert.True(t, out.Resumed)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 2, out.TotalAttempts)

	st, err = states.Load(ctx, "export-42")
	require.NoError(t, err)
	assert.Nil(t, st, "state must be deleted on success")
}

func TestResumeContinuesAttemptBudget(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	sched := gateway.NewManualScheduler(epoch)
	states := NewStateStore(kv, 24*time.Hour, sched.Now)
	require.NoError(t, states.Save(ctx, &State{OperationID: "op", Attempts: 2, Category: "network"}))

	p := testPolicy()
	p.MaxAttempts = 4
	c, _ := newTestController(p, states)
	call, calls := script(fail(gateway.CodeUnavailable, 503))
	out := c.ExecuteOperation(ctx, Operation{ID: "op"}, call)

	assert.False(t, out.Success)
	assert.Equal(t, 2, *calls, "only the remaining budget is spent")
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 4, out.TotalAttempts)
	assert.Contains(t, out.Err.Error(), "max retry attempts (4)")

	st, err := states.Load(ctx, "op")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 4, st.Attempts)
	// the retry after cumulative attempt 4 backs off 1s * 1.5^3
	require.NotNil(t, st.NextRetryAt)
	assert.Equal(t, time.Duration(3375)*time.Millisecond, st.NextRetryAt.Sub(sched.Now()))
}

func TestExhaustedOperationAbandonedOnResume(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	sched := gateway.NewManualScheduler(epoch)
	states := NewStateStore(kv, 24*time.Hour, sched.Now)

	p := testPolicy()
	p.MaxAttempts = 3
	call, calls := script(fail(gateway.CodeUnavailable, 503))

	for run := 1; run <= 10; run++ {
		c := NewController(p, sched, states)
		c.SetJitter(func() float64 { return 0 })
		out := c.ExecuteOperation(ctx, Operation{ID: "op"}, call)
		require.False(t, out.Success)
		if run%2 == 0 {
			assert.True(t, out.Abandoned, "run %d", run)
			assert.ErrorIs(t, out.Err, ErrAbandoned)
			assert.Equal(t, 0, out.Attempts)
			assert.Equal(t, 3, out.TotalAttempts)
			assert.Equal(t, "network", out.Category.Name)
			assert.Equal(t, 0, kv.Len(), "abandoned state is deleted")
		} else {
			assert.False(t, out.Abandoned, "run %d", run)
			assert.Equal(t, 3, out.Attempts)
		}
	}
	// five full budgets, never more than MaxAttempts per operation lifetime
	assert.Equal(t, 15, *calls)
}

func TestStaleMeasuredFromCreation(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	sched := gateway.NewManualScheduler(epoch)
	states := NewStateStore(kv, 24*time.Hour, sched.Now)

	st := &State{OperationID: "op", Attempts: 1}
	require.NoError(t, states.Save(ctx, st))
	for i := 0; i < 5; i++ {
		sched.Advance(6 * time.Hour)
		st.Attempts++
		require.NoError(t, states.Save(ctx, st))
	}

	loaded, err := states.Load(ctx, "op")
	assert.ErrorIs(t, err, ErrStateStale)
	assert.Nil(t, loaded)
}

func TestFatalAbandonsPersistedState(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	sched := gateway.NewManualScheduler(epoch)
	states := NewStateStore(kv, 24*time.Hour, sched.Now)
	require.NoError(t, states.Save(ctx, &State{OperationID: "op", Attempts: 3}))

	c := NewController(testPolicy(), sched, states)
	call, _ := script(fail(gateway.CodeValidation, 400))
	out := c.ExecuteOperation(ctx, Operation{ID: "op"}, call)

	assert.False(t, out.Success)
	assert.True(t, out.Resumed)
	assert.Equal(t, 0, kv.Len())
}

func TestStaleStateDiscarded(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	sched := gateway.NewManualScheduler(epoch)
	states := NewStateStore(kv, 24*time.Hour, sched.Now)

	require.NoError(t, states.Save(ctx, &State{OperationID: "old", Attempts: 4}))
	sched.Advance(25 * time.Hour)

	st, err := states.Load(ctx, "old")
	assert.ErrorIs(t, err, ErrStateStale)
	assert.Nil(t, st)
	assert.Equal(t, 0, kv.Len())

	// stale state never counts as a resume
	require.NoError(t, states.Save(ctx, &State{OperationID: "old2", Attempts: 4}))
	sched.Advance(25 * time.Hour)
	c := NewController(testPolicy(), sched, states)
	call, _ := script(ok())
	out := c.ExecuteOperation(ctx, Operation{ID: "old2"}, call)
	assert.True(t, out.Success)
	assert.False(t, out.Resumed)
}

func TestListAndCleanup(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	sched := gateway.NewManualScheduler(epoch)
	states := NewStateStore(kv, 24*time.Hour, sched.Now)

	require.NoError(t, states.Save(ctx, &State{OperationID: "stale"}))
	sched.Advance(30 * time.Hour)
	require.NoError(t, states.Save(ctx, &State{OperationID: "fresh"}))
	require.NoError(t, kv.Set(ctx, stateKey("garbage"), []byte("{not json")))

	sum, err := states.List(ctx)
	require.NoError(t, err)
	require.Len(t, sum.Pending, 1)
	assert.Equal(t, "fresh", sum.Pending[0].OperationID)
	assert.Equal(t, 1, sum.Stale)
	assert.Equal(t, 1, sum.Corrupt)

	removed, err := states.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, kv.Len())
}

func TestCanceledWaitKeepsState(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	sched := gateway.NewManualScheduler(epoch)
	states := NewStateStore(kv, 24*time.Hour, sched.Now)
	c := NewController(testPolicy(), sched, states)

	ctx, cancel := context.WithCancel(context.Background())
	call := func(context.Context) gateway.Result {
		cancel()
		return fail(gateway.CodeServer, 500)
	}
	out := c.ExecuteOperation(ctx, Operation{ID: "interrupted"}, call)

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, kv.Len())
}
