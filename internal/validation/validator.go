// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package validation checks HTTP request parameters with
// go-playground/validator and turns failures into readable messages.
//
//	type sessionsQuery struct {
//	    Limit int `validate:"min=0,max=1000"`
//	}
//	if verr := validation.ValidateStruct(&q); verr != nil {
//	    respondError(w, r, http.StatusBadRequest, verr.Code(), verr.Error(), nil)
//	}
//
// Besides the built-in tags the validator knows "filterkey", which accepts
// remote collection filter names such as updated_at_min or status.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Code is the API error code used for every validation failure.
const Code = "VALIDATION_ERROR"

var (
	validate     *validator.Validate
	validateOnce sync.Once

	filterKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// FieldError is one failed constraint.
type FieldError struct {
	Field   string      `json:"field"`
	Tag     string      `json:"tag"`
	Param   string      `json:"param,omitempty"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
}

// Error collects the field errors of one struct.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// Code returns the API error code.
func (e *Error) Code() string { return Code }

// Details returns the failed fields keyed for an error envelope.
func (e *Error) Details() map[string]interface{} {
	return map[string]interface{}{"fields": e.Fields}
}

// Get returns the shared validator, registering custom tags on first use.
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("filterkey", func(fl validator.FieldLevel) bool {
			return filterKeyPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateStruct returns nil when s passes, otherwise an *Error.
func ValidateStruct(s interface{}) *Error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Fields: []FieldError{{Field: "request", Tag: "invalid", Message: err.Error()}}}
	}
	out := &Error{Fields: make([]FieldError, len(verrs))}
	for i, fe := range verrs {
		out.Fields[i] = FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Value:   fe.Value(),
			Message: message(fe),
		}
	}
	return out
}

var plainMessages = map[string]string{
	"required":  "%s is required",
	"uuid":      "%s must be a UUID",
	"boolean":   "%s must be true or false",
	"filterkey": "%s must be a lower-case filter name",
}

var paramMessages = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	if tmpl, ok := plainMessages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field)
	}
	if tmpl, ok := paramMessages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field, fe.Param())
	}

	unit := ""
	switch fe.Kind().String() {
	case "string":
		unit = " characters"
	case "slice", "map":
		unit = " entries"
	}
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("%s must be at least %s%s", field, fe.Param(), unit)
	case "max":
		return fmt.Sprintf("%s must be at most %s%s", field, fe.Param(), unit)
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
