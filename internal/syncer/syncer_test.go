// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/shelfsync/internal/audit"
	"github.com/tomtom215/shelfsync/internal/cache"
	"github.com/tomtom215/shelfsync/internal/catalog"
	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/config"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/gateway"
	"github.com/tomtom215/shelfsync/internal/kvstore"
	"github.com/tomtom215/shelfsync/internal/retry"
	"github.com/tomtom215/shelfsync/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// remoteCatalog serves collections from memory.
type remoteCatalog struct {
	mu      sync.Mutex
	items   map[string][]string
	err     error
	calls   int
	filters []fetch.Filters
}

func (r *remoteCatalog) set(resource string, items ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[resource] = items
}

func (r *remoteCatalog) FetchCollection(_ context.Context, resource string, filters fetch.Filters) (fetch.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.filters = append(r.filters, filters)
	if r.err != nil {
		return fetch.Collection{}, r.err
	}
	col := fetch.Collection{Resource: resource, Pages: 1, Stop: fetch.StopShortPage}
	for _, it := range r.items[resource] {
		col.Items = append(col.Items, json.RawMessage(it))
	}
	col.Count = len(col.Items)
	return col, nil
}

type fixture struct {
	remote *remoteCatalog
	store  *store.Memory
	kv     *kvstore.MemoryStore
	cache  *cache.Tiered
	syncer *Syncer
}

func newFixture(t *testing.T, batch int) *fixture {
	t.Helper()
	f := &fixture{
		remote: &remoteCatalog{items: map[string][]string{}},
		store:  store.NewMemory(),
		kv:     kvstore.NewMemoryStore(),
	}
	c, err := cache.New(config.CacheConfig{TTL: time.Hour, MaxEntries: 10, CompressionThreshold: 1000}, f.kv)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	f.cache = c
	f.syncer = New(Deps{
		Registry:       catalog.NewRegistry(f.remote),
		Cache:          c,
		Store:          f.store,
		KV:             f.kv,
		ApplyBatchSize: batch,
	})
	return f
}

func products() []string {
	return []string{
		`{"id":1,"title":"Mug","handle":"mug","status":"active"}`,
		`{"id":2,"title":"Cap","handle":"cap","status":"active"}`,
		`{"id":3,"title":"Tote","handle":"tote","status":"draft"}`,
	}
}

func TestFirstPassAddsEverything(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()

	res := f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})

	require.True(t, res.Success, res.Errors)
	assert.Equal(t, changes.Counts{Add: 3}, res.Counts)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 3, res.Fetched)
	assert.NotEmpty(t, res.SessionID)

	n, _ := f.store.Count(ctx, changes.KindProduct)
	assert.Equal(t, 3, n)

	require.NotNil(t, res.Report)
	assert.Len(t, res.Report.Batches, 1)
	assert.Equal(t, 3, res.Report.Counters.Succeeded)
	assert.False(t, res.Report.Session.Active)

	stored, err := audit.LoadReport(ctx, f.kv, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, res.Report.Counters, stored.Counters)
}

func TestSecondPassIsServedFromCache(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()

	f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})
	res := f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})

	require.True(t, res.Success)
	assert.Equal(t, 1, f.remote.calls)
	assert.Equal(t, changes.Counts{Unchanged: 3}, res.Counts)
	assert.Equal(t, 0, res.Applied)
	assert.Empty(t, res.Report.Batches)
}

func TestForceRefreshDetectsUpdatesAndDeletes(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()
	f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})

	f.remote.set("products",
		`{"id":1,"title":"Mug","handle":"mug","status":"active","updated_at":"2026-03-02"}`,
		`{"id":2,"title":"Cap v2","handle":"cap","status":"active"}`,
		`{"id":4,"title":"Scarf","handle":"scarf","status":"active"}`,
	)
	res := f.syncer.Pass(ctx, changes.KindProduct, nil, Options{ForceRefresh: true})

	require.True(t, res.Success, res.Errors)
	assert.Equal(t, changes.Counts{Add: 1, Update: 1, Delete: 1, Unchanged: 1}, res.Counts)
	assert.Equal(t, 2, f.remote.calls)

	_, err := f.store.Get(ctx, changes.KindProduct, "3")
	assert.ErrorIs(t, err, store.ErrNotFound)
	row, err := f.store.Get(ctx, changes.KindProduct, "2")
	require.NoError(t, err)
	assert.Contains(t, string(row.Payload), "Cap v2")
}

func TestVariantPriceChangeIsApplied(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.remote.set("variants", `{"id":10,"product_id":1,"title":"Blue","sku":"B","price":"19.00"}`)
	f.syncer.Pass(ctx, changes.KindVariant, nil, Options{})

	f.remote.set("variants", `{"id":10,"product_id":1,"title":"Blue","sku":"B","price":"17.50"}`)
	res := f.syncer.Pass(ctx, changes.KindVariant, nil, Options{ForceRefresh: true})

	assert.Equal(t, 1, res.Counts.Update)
	row, _ := f.store.Get(ctx, changes.KindVariant, "10")
	assert.Contains(t, string(row.Payload), "17.50")
}

func TestFilteredPassWithholdsDeletes(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()
	f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})

	f.remote.set("products", products()[0])
	res := f.syncer.Pass(ctx, changes.KindProduct, fetch.Filters{"status": "active"}, Options{})

	require.True(t, res.Success)
	assert.Equal(t, 0, res.Counts.Delete)
	n, _ := f.store.Count(ctx, changes.KindProduct)
	assert.Equal(t, 3, n)
	assert.Equal(t, "active", f.remote.filters[1]["status"])
}

func TestDryRunLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()

	res := f.syncer.Pass(ctx, changes.KindProduct, nil, Options{DryRun: true})

	require.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Equal(t, 3, res.Counts.Add)
	n, _ := f.store.Count(ctx, changes.KindProduct)
	assert.Equal(t, 0, n)
}

func TestPartialBatchFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()
	f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})

	require.NoError(t, f.store.MarkDirty(ctx, changes.KindProduct, "2", json.RawMessage(`{"id":2,"title":"Local"}`)))
	f.remote.set("products",
		`{"id":1,"title":"Mug 2","handle":"mug","status":"active"}`,
		`{"id":2,"title":"Cap 2","handle":"cap","status":"active"}`,
		`{"id":3,"title":"Tote","handle":"tote","status":"draft"}`,
	)
	res := f.syncer.Pass(ctx, changes.KindProduct, nil, Options{ForceRefresh: true})

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Report.Batches, 1)
	assert.Equal(t, audit.OutcomePartial, res.Report.Batches[0].Outcome)

	row, _ := f.store.Get(ctx, changes.KindProduct, "2")
	assert.True(t, row.Dirty, "local edit must survive")
}

func TestApplyIsChunkedIntoBatches(t *testing.T) {
	f := newFixture(t, 2)
	var items []string
	for i := 1; i <= 5; i++ {
		items = append(items, fmt.Sprintf(`{"id":%d,"title":"P%d"}`, i, i))
	}
	f.remote.set("products", items...)

	res := f.syncer.Pass(context.Background(), changes.KindProduct, nil, Options{})

	require.True(t, res.Success)
	require.Len(t, res.Report.Batches, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{res.Report.Batches[0].Size, res.Report.Batches[1].Size, res.Report.Batches[2].Size})
	assert.Equal(t, 3, res.Report.Counters.Batches)
}

func TestFetchFailureIsReported(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.err = &fetch.Error{Resource: "products", Fetched: 250, Cursor: "abc", Attempts: 1, Err: errors.New("401 unauthorized")}

	res := f.syncer.Pass(context.Background(), changes.KindProduct, nil, Options{})

	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "250 items")
	assert.Equal(t, 250, res.Fetched)
	require.Len(t, res.Report.Errors, 1)
	assert.Equal(t, "abc", res.Report.Errors[0].Context["cursor"])
}

func TestUndecodableItemsWithholdDeletes(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()
	f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})

	f.remote.set("products", products()[0], `{"title":"missing id"}`)
	res := f.syncer.Pass(ctx, changes.KindProduct, nil, Options{ForceRefresh: true})

	assert.True(t, res.Success)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, 0, res.Counts.Delete)
}

func TestUnknownKind(t *testing.T) {
	f := newFixture(t, 0)
	res := f.syncer.Pass(context.Background(), "order", nil, Options{})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errors)
}

func TestConflictingSessionIsCounted(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()

	other := audit.NewLog(f.kv)
	_, err := other.StartSession(ctx, map[string]string{"operation": "sync"})
	require.NoError(t, err)

	res := f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Conflicts)
}

// brokenStore panics when fingerprints are read.
type brokenStore struct {
	*store.Memory
}

func (brokenStore) Fingerprints(context.Context, changes.Kind) (map[string]string, error) {
	panic("fingerprint index corrupted")
}

func TestPanicClosesAuditSession(t *testing.T) {
	f := newFixture(t, 0)
	f.remote.set("products", products()...)
	ctx := context.Background()
	s := New(Deps{
		Registry: catalog.NewRegistry(f.remote),
		Store:    brokenStore{f.store},
		KV:       f.kv,
	})

	res := s.Pass(ctx, changes.KindProduct, nil, Options{})
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[len(res.Errors)-1], "fingerprint index corrupted")
	require.NotNil(t, res.Report)
	assert.False(t, res.Report.Session.Active)

	active, err := audit.ActiveSessions(ctx, f.kv, time.Now())
	require.NoError(t, err)
	assert.Empty(t, active, "a panicked pass must not look active")

	// the next pass sees no conflict
	res = f.syncer.Pass(ctx, changes.KindProduct, nil, Options{})
	assert.True(t, res.Success, res.Errors)
	assert.Equal(t, 0, res.Conflicts)
}

// scriptedDoer replays results per request path.
type scriptedDoer struct {
	mu       sync.Mutex
	results  map[string][]gateway.Result
	requests []gateway.Request
}

func (d *scriptedDoer) Do(_ context.Context, req gateway.Request) gateway.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	script := d.results[req.Path]
	if len(script) == 0 {
		return gateway.Ok(200, nil, []byte(`{}`))
	}
	r := script[0]
	if len(script) > 1 {
		d.results[req.Path] = script[1:]
	}
	return r
}

func unavailable() gateway.Result {
	return gateway.FromError(&gateway.Error{Code: gateway.CodeUnavailable, Status: 503, Method: "PUT"})
}

func invalid() gateway.Result {
	return gateway.FromError(&gateway.Error{Code: gateway.CodeValidation, Status: 422, Method: "PUT"})
}

type exportFixture struct {
	store  *store.Memory
	kv     *kvstore.MemoryStore
	doer   *scriptedDoer
	sched  *gateway.ManualScheduler
	states *retry.StateStore
}

func newExportFixture() *exportFixture {
	sched := gateway.NewManualScheduler(epoch)
	kv := kvstore.NewMemoryStore()
	return &exportFixture{
		store:  store.NewMemory(),
		kv:     kv,
		doer:   &scriptedDoer{results: map[string][]gateway.Result{}},
		sched:  sched,
		states: retry.NewStateStore(kv, 24*time.Hour, sched.Now),
	}
}

func (f *exportFixture) exporter(maxAttempts int) *Exporter {
	ctrl := retry.NewController(retry.Policy{MaxAttempts: maxAttempts, BaseDelay: time.Second, MaxDelay: time.Minute}, f.sched, f.states)
	ctrl.SetJitter(func() float64 { return 0 })
	return NewExporter(ExporterDeps{
		Registry:   catalog.NewRegistry(&remoteCatalog{items: map[string][]string{}}),
		Store:      f.store,
		Doer:       f.doer,
		Controller: ctrl,
		KV:         f.kv,
		Now:        f.sched.Now,
	})
}

func TestExportSendsDirtyRows(t *testing.T) {
	f := newExportFixture()
	ctx := context.Background()
	require.NoError(t, f.store.MarkDirty(ctx, changes.KindVariant, "10", json.RawMessage(`{"id":10,"price":"12.00","sku":"A"}`)))

	res := f.exporter(3).Export(ctx, changes.KindVariant)

	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.Exported)
	require.Len(t, f.doer.requests, 1)
	assert.Equal(t, "variants/10.json", f.doer.requests[0].Path)

	row, _ := f.store.Get(ctx, changes.KindVariant, "10")
	assert.False(t, row.Dirty)
	assert.NotEmpty(t, row.Fingerprint)

	sum, _ := f.states.List(ctx)
	assert.Empty(t, sum.Pending)
}

func TestExportResumesPersistedOperation(t *testing.T) {
	f := newExportFixture()
	ctx := context.Background()
	require.NoError(t, f.store.MarkDirty(ctx, changes.KindVariant, "10", json.RawMessage(`{"id":10,"price":"12.00"}`)))
	f.doer.results["variants/10.json"] = []gateway.Result{unavailable(), unavailable(), gateway.Ok(200, nil, []byte(`{}`))}

	first := f.exporter(2).Export(ctx, changes.KindVariant)
	assert.False(t, first.Success)
	assert.Equal(t, 1, first.Failed)
	sum, _ := f.states.List(ctx)
	require.Len(t, sum.Pending, 1)
	assert.Equal(t, 2, sum.Pending[0].Attempts)

	// a larger budget lets the resumed operation continue from attempt 3
	second := f.exporter(4).Export(ctx, changes.KindVariant)
	require.True(t, second.Success, second.Errors)
	assert.Equal(t, 1, second.Resumed)
	assert.Equal(t, 1, second.Exported)
	sum, _ = f.states.List(ctx)
	assert.Empty(t, sum.Pending)
	assert.Len(t, f.doer.requests, 3)
}

func TestExportAbandonsExhaustedOperation(t *testing.T) {
	f := newExportFixture()
	ctx := context.Background()
	require.NoError(t, f.store.MarkDirty(ctx, changes.KindVariant, "10", json.RawMessage(`{"id":10,"price":"12.00"}`)))
	f.doer.results["variants/10.json"] = []gateway.Result{unavailable()}

	first := f.exporter(2).Export(ctx, changes.KindVariant)
	assert.False(t, first.Success)
	assert.Equal(t, 0, first.Abandoned)
	sum, _ := f.states.List(ctx)
	require.Len(t, sum.Pending, 1)
	assert.Equal(t, 2, sum.Pending[0].Attempts)

	second := f.exporter(2).Export(ctx, changes.KindVariant)
	assert.False(t, second.Success)
	assert.Equal(t, 1, second.Resumed)
	assert.Equal(t, 1, second.Abandoned)
	assert.Equal(t, 1, second.Failed)
	require.Len(t, second.Errors, 1)
	assert.Contains(t, second.Errors[0], "abandoned after 2 attempts")
	assert.Len(t, f.doer.requests, 2, "an exhausted operation is not sent again")
	require.NotNil(t, second.Report)
	assert.Equal(t, 1, second.Report.Counters.Failed)

	sum, _ = f.states.List(ctx)
	assert.Empty(t, sum.Pending, "abandoned state is dropped")
	row, _ := f.store.Get(ctx, changes.KindVariant, "10")
	assert.True(t, row.Dirty)
}

func TestExportDiscardsSupersededState(t *testing.T) {
	f := newExportFixture()
	ctx := context.Background()
	require.NoError(t, f.store.MarkDirty(ctx, changes.KindVariant, "10", json.RawMessage(`{"id":10,"price":"12.00"}`)))
	f.doer.results["variants/10.json"] = []gateway.Result{unavailable(), unavailable()}
	f.exporter(1).Export(ctx, changes.KindVariant)

	// The row is edited again before the next export.
	require.NoError(t, f.store.MarkDirty(ctx, changes.KindVariant, "10", json.RawMessage(`{"id":10,"price":"11.00"}`)))
	f.doer.results["variants/10.json"] = nil

	res := f.exporter(1).Export(ctx, changes.KindVariant)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, 0, res.Resumed)
	assert.Equal(t, 1, res.Exported)
}

func TestExportFatalFailureIsNotRetried(t *testing.T) {
	f := newExportFixture()
	ctx := context.Background()
	require.NoError(t, f.store.MarkDirty(ctx, changes.KindProduct, "1", json.RawMessage(`{"id":1,"title":"x"}`)))
	require.NoError(t, f.store.MarkDirty(ctx, changes.KindProduct, "2", json.RawMessage(`{"id":2,"title":"y"}`)))
	f.doer.results["products/1.json"] = []gateway.Result{invalid()}

	res := f.exporter(5).Export(ctx, changes.KindProduct)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Exported)
	assert.Len(t, f.doer.requests, 2)
	require.Len(t, res.Report.Batches, 1)
	assert.Equal(t, audit.OutcomePartial, res.Report.Batches[0].Outcome)

	sum, _ := f.states.List(ctx)
	assert.Empty(t, sum.Pending, "fatal failures are abandoned")
	row, _ := f.store.Get(ctx, changes.KindProduct, "1")
	assert.True(t, row.Dirty)
}
