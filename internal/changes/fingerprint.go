// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package changes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Record is a decoded catalog record.
type Record map[string]interface{}

// Status is the classification of one fetched record.
type Status string

const (
	StatusNew       Status = "new"
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
)

// Normalize extracts the schema's canonical fields from r. Absent and null
// fields normalize to the empty string.
func Normalize(s Schema, r Record) map[string]string {
	out := make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = normalizeValue(f.Type, r[f.Name])
	}
	return out
}

// Fingerprint digests the canonical fields of r as 32 hex characters.
func Fingerprint(s Schema, r Record) string {
	// Map keys encode in sorted order.
	data, err := json.Marshal(Normalize(s, r))
	if err != nil {
		// map[string]string always encodes.
		panic(fmt.Sprintf("changes: encode canonical record: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Classify compares r against its stored fingerprint. An empty stored
// fingerprint means the record has never been synced.
func Classify(s Schema, r Record, stored string) Status {
	if stored == "" {
		return StatusNew
	}
	if Fingerprint(s, r) == stored {
		return StatusUnchanged
	}
	return StatusUpdated
}

// ID returns the record's identifier as a string.
func ID(s Schema, r Record) string {
	return scalar(r[s.IDField])
}

func normalizeValue(t FieldType, v interface{}) string {
	switch t {
	case Bool:
		return boolToken(v)
	case List:
		return listToken(v)
	case Decimal:
		return decimalToken(v)
	default:
		return strings.TrimSpace(scalar(v))
	}
}

func scalar(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func boolToken(v interface{}) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return "false"
	}
	switch strings.ToLower(strings.TrimSpace(scalar(v))) {
	case "true", "yes", "y", "1", "on":
		return "true"
	default:
		return "false"
	}
}

func listToken(v interface{}) string {
	var items []string
	switch x := v.(type) {
	case nil:
		return ""
	case []string:
		items = append(items, x...)
	case []interface{}:
		for _, e := range x {
			items = append(items, scalar(e))
		}
	default:
		items = strings.Split(scalar(v), ",")
	}

	out := items[:0]
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return ""
	}
	// Encoded as a JSON array so an element containing a comma stays distinct
	// from two elements.
	data, err := json.Marshal(out)
	if err != nil {
		panic(fmt.Sprintf("changes: encode list: %v", err))
	}
	return string(data)
}

// decimalToken renders a number exactly in canonical form: "19.90", 19.9
// and "1.99e1" all give "19.9". Values are never rounded through float64, so
// distinct inputs keep distinct tokens. Unparseable values pass through.
func decimalToken(v interface{}) string {
	s := strings.TrimSpace(scalar(v))
	if s == "" {
		return ""
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return s
	}
	if r.IsInt() {
		return r.Num().String()
	}
	if places, ok := decimalPlaces(r.Denom()); ok {
		return r.FloatString(places)
	}
	return r.RatString()
}

// decimalPlaces returns the number of fractional digits needed to write
// 1/d exactly, and false when d has a prime factor other than 2 or 5.
func decimalPlaces(d *big.Int) (int, bool) {
	n := new(big.Int).Set(d)
	two, five := big.NewInt(2), big.NewInt(5)
	var twos, fives int
	for m := new(big.Int); m.Mod(n, two).Sign() == 0; twos++ {
		n.Quo(n, two)
	}
	for m := new(big.Int); m.Mod(n, five).Sign() == 0; fives++ {
		n.Quo(n, five)
	}
	if n.Cmp(big.NewInt(1)) != 0 {
		return 0, false
	}
	if twos > fives {
		return twos, true
	}
	return fives, true
}
