// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{
				Field:   strings.ToLower(fe.Namespace()),
				Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return err
	}

	if c.Fetch.PageSize > c.Fetch.MaxPageSize {
		return &ConfigError{
			Field:   "fetch.page_size",
			Message: fmt.Sprintf("%d exceeds remote maximum %d", c.Fetch.PageSize, c.Fetch.MaxPageSize),
		}
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return &ConfigError{Field: "retry.base_delay", Message: "must not exceed retry.max_delay"}
	}
	return nil
}

// RequireRemote validates the settings needed to talk to the remote API.
func (c *Config) RequireRemote() error {
	if c.Remote.BaseURL == "" {
		return &ConfigError{Field: "remote.base_url", Message: "required (SHELFSYNC_BASE_URL)"}
	}
	if c.Remote.Token == "" {
		return &ConfigError{Field: "remote.token", Message: "required (SHELFSYNC_TOKEN)"}
	}
	return nil
}
