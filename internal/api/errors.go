package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veldaine/unifyd/internal/command"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeBackend      = "backend_error"
	ErrCodeTimeout      = "backend_timeout"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInvalidState = "invalid_transition"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeCommandError maps command router failures onto HTTP statuses.
func writeCommandError(w http.ResponseWriter, err error) {
	var backendErr *command.BackendError

	switch {
	case errors.Is(err, command.ErrUnknownEntity):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, command.ErrUnknownBackend):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, command.ErrInvalidTransition):
		writeError(w, http.StatusConflict, ErrCodeInvalidState, err.Error())
	case errors.Is(err, command.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.As(err, &backendErr):
		writeError(w, http.StatusBadGateway, ErrCodeBackend, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
