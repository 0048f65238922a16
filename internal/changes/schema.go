// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package changes decides which catalog records changed since the last sync.
//
// Each record kind has a Schema listing its canonical fields. A record's
// fingerprint is a digest over those fields only, so bookkeeping fields
// (sync timestamps, previous fingerprints, remote update counters) never
// cause a re-export, and any edit to a canonical field always does. A field
// missing from a schema is invisible to change detection; the schemas are
// exported so their contents can be tested directly.
package changes

// Kind names a record kind.
type Kind string

const (
	KindProduct  Kind = "product"
	KindVariant  Kind = "variant"
	KindCustomer Kind = "customer"
)

// FieldType selects how a canonical field is normalized.
type FieldType int

const (
	// Text values are trimmed.
	Text FieldType = iota
	// Bool values map to "true" or "false" from any boolean-like input.
	Bool
	// List values are trimmed, sorted and encoded as a JSON array.
	// Comma-separated strings are split first.
	List
	// Decimal values are rendered exactly in canonical form so "19.90" and
	// 19.9 agree.
	Decimal
)

// Field is one canonical field.
type Field struct {
	Name string
	Type FieldType
}

// Schema is the canonical field allowlist for a record kind.
type Schema struct {
	Kind    Kind
	IDField string
	Fields  []Field
}

// ProductSchema is the canonical field set for products.
var ProductSchema = Schema{
	Kind:    KindProduct,
	IDField: "id",
	Fields: []Field{
		{"id", Text},
		{"title", Text},
		{"handle", Text},
		{"status", Text},
		{"vendor", Text},
		{"product_type", Text},
		{"tags", List},
		{"body_html", Text},
		{"published", Bool},
	},
}

// VariantSchema is the canonical field set for variants. Price fields are
// canonical: a price-only edit must be detected.
var VariantSchema = Schema{
	Kind:    KindVariant,
	IDField: "id",
	Fields: []Field{
		{"id", Text},
		{"product_id", Text},
		{"title", Text},
		{"sku", Text},
		{"barcode", Text},
		{"price", Decimal},
		{"compare_at_price", Decimal},
		{"option1", Text},
		{"option2", Text},
		{"option3", Text},
		{"taxable", Bool},
		{"requires_shipping", Bool},
		{"inventory_quantity", Decimal},
	},
}

// CustomerSchema is the canonical field set for customers.
var CustomerSchema = Schema{
	Kind:    KindCustomer,
	IDField: "id",
	Fields: []Field{
		{"id", Text},
		{"email", Text},
		{"first_name", Text},
		{"last_name", Text},
		{"phone", Text},
		{"state", Text},
		{"tags", List},
		{"accepts_marketing", Bool},
		{"verified_email", Bool},
	},
}

var schemas = map[Kind]Schema{
	KindProduct:  ProductSchema,
	KindVariant:  VariantSchema,
	KindCustomer: CustomerSchema,
}

// SchemaFor returns the schema registered for kind.
func SchemaFor(kind Kind) (Schema, bool) {
	s, ok := schemas[kind]
	return s, ok
}

// Has reports whether name is a canonical field.
func (s Schema) Has(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}
