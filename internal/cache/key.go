// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package cache

import (
	"crypto/sha256"
	"fmt"

	"github.com/goccy/go-json"
)

// Key builds a compact cache key from a namespace and its parameters.
// Map parameters encode with sorted keys, so equal filters give equal keys.
func Key(namespace string, params interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%v", namespace, params)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", namespace, hash[:16])
}
