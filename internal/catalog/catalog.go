// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package catalog binds the remote collection endpoints to record kinds.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/gateway"
)

// ErrUnknownKind is returned for a kind with no importer.
var ErrUnknownKind = errors.New("catalog: unknown record kind")

// Fetcher retrieves a whole remote collection. *fetch.Engine implements it.
type Fetcher interface {
	FetchCollection(ctx context.Context, resource string, filters fetch.Filters) (fetch.Collection, error)
}

// Importer adapts one record kind.
type Importer interface {
	Kind() changes.Kind
	// Resource is the collection endpoint and response items key.
	Resource() string
	Schema() changes.Schema
	Fetch(ctx context.Context, filters fetch.Filters) (fetch.Collection, error)
	// Transform decodes one fetched item.
	Transform(raw json.RawMessage) (changes.Record, error)
	// TargetKey is the local store key of a record.
	TargetKey(r changes.Record) string
	// UpdateRequest builds the remote write for a locally edited record.
	UpdateRequest(r changes.Record) (gateway.Request, error)
}

type importer struct {
	schema   changes.Schema
	resource string
	singular string
	fetcher  Fetcher
	// normalize adjusts decoded records; may be nil.
	normalize func(changes.Record)
}

func (i *importer) Kind() changes.Kind     { return i.schema.Kind }
func (i *importer) Resource() string       { return i.resource }
func (i *importer) Schema() changes.Schema { return i.schema }

func (i *importer) Fetch(ctx context.Context, filters fetch.Filters) (fetch.Collection, error) {
	return i.fetcher.FetchCollection(ctx, i.resource, filters)
}

func (i *importer) Transform(raw json.RawMessage) (changes.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var r changes.Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", i.schema.Kind, err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode %s: not an object", i.schema.Kind)
	}
	if changes.ID(i.schema, r) == "" {
		return nil, fmt.Errorf("decode %s: missing %s", i.schema.Kind, i.schema.IDField)
	}
	if i.normalize != nil {
		i.normalize(r)
	}
	return r, nil
}

func (i *importer) TargetKey(r changes.Record) string {
	return changes.ID(i.schema, r)
}

// UpdateRequest sends only the canonical fields, wrapped in the singular
// resource name: PUT products/{id}.json {"product": {...}}.
func (i *importer) UpdateRequest(r changes.Record) (gateway.Request, error) {
	id := changes.ID(i.schema, r)
	if id == "" {
		return gateway.Request{}, fmt.Errorf("%s update: missing %s", i.schema.Kind, i.schema.IDField)
	}
	body := make(map[string]interface{}, len(i.schema.Fields))
	for _, f := range i.schema.Fields {
		if v, ok := r[f.Name]; ok {
			body[f.Name] = v
		}
	}
	return gateway.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("%s/%s.json", i.resource, id),
		Body:   map[string]interface{}{i.singular: body},
	}, nil
}

// NewProducts returns the product importer.
func NewProducts(f Fetcher) Importer {
	return &importer{schema: changes.ProductSchema, resource: "products", singular: "product", fetcher: f}
}

// NewVariants returns the variant importer.
func NewVariants(f Fetcher) Importer {
	return &importer{schema: changes.VariantSchema, resource: "variants", singular: "variant", fetcher: f}
}

// NewCustomers returns the customer importer. Emails compare
// case-insensitively.
func NewCustomers(f Fetcher) Importer {
	return &importer{
		schema:   changes.CustomerSchema,
		resource: "customers",
		singular: "customer",
		fetcher:  f,
		normalize: func(r changes.Record) {
			if email, ok := r["email"].(string); ok {
				r["email"] = strings.ToLower(strings.TrimSpace(email))
			}
		},
	}
}

// Registry selects importers by kind.
type Registry struct {
	importers map[changes.Kind]Importer
}

// NewRegistry registers the product, variant and customer importers.
func NewRegistry(f Fetcher) *Registry {
	r := &Registry{importers: make(map[changes.Kind]Importer)}
	r.Register(NewProducts(f))
	r.Register(NewVariants(f))
	r.Register(NewCustomers(f))
	return r
}

// Register adds or replaces the importer for its kind.
func (r *Registry) Register(imp Importer) {
	r.importers[imp.Kind()] = imp
}

// Get returns the importer for kind.
func (r *Registry) Get(kind changes.Kind) (Importer, error) {
	imp, ok := r.importers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return imp, nil
}

// Kinds lists registered kinds in name order.
func (r *Registry) Kinds() []changes.Kind {
	kinds := make([]changes.Kind, 0, len(r.importers))
	for k := range r.importers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// TransformAll decodes every item of a collection. Items that fail to decode
// are returned as errors alongside the records that succeeded.
func TransformAll(imp Importer, items []json.RawMessage) ([]changes.Record, []error) {
	records := make([]changes.Record, 0, len(items))
	var errs []error
	for idx, raw := range items {
		r, err := imp.Transform(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", idx, err))
			continue
		}
		records = append(records, r)
	}
	return records, errs
}
