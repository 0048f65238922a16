// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/gateway"
)

// Page is one decoded page of a collection.
type Page struct {
	Items      []json.RawMessage
	NextCursor string
}

// Extractor decodes a page response into items and the continuation cursor.
type Extractor interface {
	Extract(itemsKey string, res gateway.Result) (Page, error)
}

// LinkExtractor reads items from body[itemsKey] and the cursor from the
// rel="next" Link header, falling back to body.pagination.next_cursor.
type LinkExtractor struct {
	// CursorParam is the query parameter holding the cursor in next links.
	CursorParam string
}

type pageEnvelope struct {
	Pagination struct {
		NextCursor string `json:"next_cursor"`
	} `json:"pagination"`
}

// Extract implements Extractor.
func (e LinkExtractor) Extract(itemsKey string, res gateway.Result) (Page, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(res.Body, &raw); err != nil {
		return Page{}, fmt.Errorf("decode page: %w", err)
	}

	var page Page
	if data, ok := raw[itemsKey]; ok && string(data) != "null" {
		if err := json.Unmarshal(data, &page.Items); err != nil {
			return Page{}, fmt.Errorf("decode %q items: %w", itemsKey, err)
		}
	} else if !ok {
		return Page{}, fmt.Errorf("response has no %q collection", itemsKey)
	}

	param := e.CursorParam
	if param == "" {
		param = "page_info"
	}
	if res.Header != nil {
		page.NextCursor = NextCursorFromLink(res.Header.Get("Link"), param)
	}
	if page.NextCursor == "" {
		var env pageEnvelope
		if err := json.Unmarshal(res.Body, &env); err == nil {
			page.NextCursor = env.Pagination.NextCursor
		}
	}
	return page, nil
}

// NextCursorFromLink returns the cursor parameter of the rel="next" entry of
// an RFC 8288 Link header, or "".
//
//	<https://shop/admin/api/products.json?limit=250&page_info=abc>; rel="next"
func NextCursorFromLink(header, param string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		isNext := false
		for _, attr := range segs[1:] {
			attr = strings.TrimSpace(attr)
			if strings.EqualFold(attr, `rel="next"`) || strings.EqualFold(attr, "rel=next") {
				isNext = true
				break
			}
		}
		if !isNext {
			continue
		}
		target := strings.Trim(strings.TrimSpace(segs[0]), "<>")
		u, err := url.Parse(target)
		if err != nil {
			return ""
		}
		return u.Query().Get(param)
	}
	return ""
}
