// Package api implements the HTTP surface of the control plane. It uses
// Chi as the router and keeps handlers thin: parse and validate, call into
// the owning subsystem, translate the result and its errors to the wire.
//
// Error envelope: {"code": "...", "message": "...", "errors": [{field,
// code, message}]} — the errors list appears only on validation failures.
// Every envelope carries the request id in the message for correlation
// with audit logs.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetwise-io/fleetwise/internal/store"
)

// Error codes used in the response envelope.
const (
	CodeNotFound                = "ResourceNotFound"
	CodeInvalidArgument         = "InvalidArgument"
	CodeInvalidParameters       = "InvalidParameters"
	CodeConflict                = "Conflict"
	CodeNoAllocatableServers    = "NoAllocatableServers"
	CodeVolumeServerNoResources = "VolumeServerNoResources"
	CodeCommandTimeout          = "CommandTimeout"
	CodeServiceUnavailable      = "ServiceUnavailable"
	CodeInternal                = "InternalError"
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is the wire shape of every error response.
type ErrorPayload struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Created writes a 201 Created response with the payload.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, payload)
}

// Accepted writes a 202 Accepted response, used when an async job or task
// has been started on the caller's behalf.
func Accepted(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusAccepted, payload)
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func errJSON(w http.ResponseWriter, r *http.Request, status int, code, message string, fields []FieldError) {
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		message = message + " (req_id " + reqID + ")"
	}
	JSON(w, status, ErrorPayload{Code: code, Message: message, Errors: fields})
}

// ErrNotFound writes a 404 response.
func ErrNotFound(w http.ResponseWriter, r *http.Request, message string) {
	if message == "" {
		message = "resource not found"
	}
	errJSON(w, r, http.StatusNotFound, CodeNotFound, message, nil)
}

// ErrConflict writes a 409 response with an explicit code — invalid
// argument, state-machine conflict, or an allocator failure code.
func ErrConflict(w http.ResponseWriter, r *http.Request, code, message string) {
	errJSON(w, r, http.StatusConflict, code, message, nil)
}

// ErrInvalidParameters writes the validation-failure response with the
// per-field breakdown.
func ErrInvalidParameters(w http.ResponseWriter, r *http.Request, fields []FieldError) {
	errJSON(w, r, http.StatusInternalServerError, CodeInvalidParameters,
		"request validation failed", fields)
}

// ErrServiceUnavailable writes a 503 response, used when a required
// backend (message bus, workflow engine) is disconnected.
func ErrServiceUnavailable(w http.ResponseWriter, r *http.Request, backend string) {
	errJSON(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable,
		backend+" is not connected", nil)
}

// ErrInternal writes a 500 response. The underlying error is logged, not
// exposed; the request id lets operators correlate.
func ErrInternal(w http.ResponseWriter, r *http.Request) {
	errJSON(w, r, http.StatusInternalServerError, CodeInternal,
		"an internal error occurred", nil)
}

// respondStoreErr translates common store errors; returns true when it
// wrote a response.
func respondStoreErr(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound):
		ErrNotFound(w, r, "")
	case errors.Is(err, store.ErrConflict):
		ErrConflict(w, r, CodeConflict, "resource was modified concurrently")
	default:
		ErrInternal(w, r)
	}
	return true
}

// decodeJSON decodes the request body into dst. Returns false and writes
// the validation envelope if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		ErrInvalidParameters(w, r, []FieldError{{
			Field:   "body",
			Code:    "Invalid",
			Message: "invalid request body: " + err.Error(),
		}})
		return false
	}
	return true
}
