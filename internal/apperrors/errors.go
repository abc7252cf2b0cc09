// Package apperrors defines the single error type every HTTP and WebSocket
// handler in bunroom returns, so the gateway and RPC server can translate
// any failure into a status code and a client-safe ERROR frame without a
// type switch at every call site.
package apperrors

import (
	"fmt"
	"net/http"
)

// AppError pairs an HTTP-shaped status code with a client-safe message and
// an optional wrapped internal error that is logged but never serialized.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// New builds an AppError with an explicit status code.
func New(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound builds a 404, used when a room code doesn't resolve to a
// live or evictable room.
func NotFound(message string) *AppError {
	return New(http.StatusNotFound, message, nil)
}

// BadRequest builds a 400, used for malformed frames and invalid operations.
func BadRequest(message string) *AppError {
	return New(http.StatusBadRequest, message, nil)
}

// Conflict builds a 409 for a request that collides with existing state.
// Room creation does not use it: a colliding generated code is retried.
func Conflict(message string) *AppError {
	return New(http.StatusConflict, message, nil)
}

// Unavailable builds a 503, used when a room has no elected leader yet.
func Unavailable(message string) *AppError {
	return New(http.StatusServiceUnavailable, message, nil)
}

// Internal builds a 500 wrapping an unexpected internal error.
func Internal(err error) *AppError {
	return New(http.StatusInternalServerError, "internal server error", err)
}
