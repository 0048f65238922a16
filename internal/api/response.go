// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package api

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/validation"
)

// Response is the envelope of every JSON endpoint.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	Meta    Meta        `json:"meta"`
}

// Error describes a failed request.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Meta is attached to every response.
type Meta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeSyncFailed         = "SYNC_FAILED"
)

func meta(r *http.Request) Meta {
	return Meta{
		RequestID: chimiddleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body Response) {
	data, err := json.Marshal(body)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func respondOK(w http.ResponseWriter, r *http.Request, data interface{}) {
	writeJSON(w, r, http.StatusOK, Response{Success: true, Data: data, Meta: meta(r)})
}

// respondError writes an error envelope. err, when set, is logged but not
// returned to the caller.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("code", code).Str("path", r.URL.Path).Msg("API error")
	}
	writeJSON(w, r, status, Response{
		Error: &Error{Code: code, Message: message},
		Meta:  meta(r),
	})
}

// respondInvalid answers 400 with the failed fields as details.
func respondInvalid(w http.ResponseWriter, r *http.Request, verr *validation.Error) {
	writeJSON(w, r, http.StatusBadRequest, Response{
		Error: &Error{Code: verr.Code(), Message: verr.Error(), Details: verr.Details()},
		Meta:  meta(r),
	})
}
