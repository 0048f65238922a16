// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package changes

import "sort"

// Item is one classified record.
type Item struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Record      Record `json:"record,omitempty"`
}

// ChangeSet is the result of one diff pass.
type ChangeSet struct {
	Kind      Kind   `json:"kind"`
	ToAdd     []Item `json:"to_add"`
	ToUpdate  []Item `json:"to_update"`
	ToDelete  []Item `json:"to_delete"`
	Unchanged []Item `json:"unchanged"`
	// Skipped counts fetched records without an id and repeated ids.
	Skipped int `json:"skipped"`
}

// Counts summarizes a ChangeSet.
type Counts struct {
	Add       int `json:"add"`
	Update    int `json:"update"`
	Delete    int `json:"delete"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// Counts returns the size of each bucket.
func (c ChangeSet) Counts() Counts {
	return Counts{
		Add:       len(c.ToAdd),
		Update:    len(c.ToUpdate),
		Delete:    len(c.ToDelete),
		Unchanged: len(c.Unchanged),
		Skipped:   c.Skipped,
	}
}

// Empty reports whether nothing needs to be applied.
func (c ChangeSet) Empty() bool {
	return len(c.ToAdd) == 0 && len(c.ToUpdate) == 0 && len(c.ToDelete) == 0
}

// Diff classifies fetched against the stored fingerprints, keyed by id.
// Stored ids absent from fetched go to ToDelete, sorted by id. Other buckets
// keep fetch order; the first occurrence of a repeated id wins.
func Diff(s Schema, fetched []Record, stored map[string]string) ChangeSet {
	cs := ChangeSet{Kind: s.Kind}
	seen := make(map[string]struct{}, len(fetched))

	for _, r := range fetched {
		id := ID(s, r)
		if id == "" {
			cs.Skipped++
			continue
		}
		if _, dup := seen[id]; dup {
			cs.Skipped++
			continue
		}
		seen[id] = struct{}{}

		fp := Fingerprint(s, r)
		item := Item{ID: id, Fingerprint: fp, Record: r}
		prev, ok := stored[id]
		switch {
		case !ok || prev == "":
			cs.ToAdd = append(cs.ToAdd, item)
		case prev == fp:
			cs.Unchanged = append(cs.Unchanged, item)
		default:
			cs.ToUpdate = append(cs.ToUpdate, item)
		}
	}

	for id, fp := range stored {
		if _, ok := seen[id]; !ok {
			cs.ToDelete = append(cs.ToDelete, Item{ID: id, Fingerprint: fp})
		}
	}
	sort.Slice(cs.ToDelete, func(i, j int) bool { return cs.ToDelete[i].ID < cs.ToDelete[j].ID })
	return cs
}
