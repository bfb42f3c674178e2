package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Error type in API response.
type errorType string

// Error response.
type apiError struct {
	typ errorType
	err error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.typ, e.err)
}

// List of predefined errors.
const (
	errorNone         errorType = ""
	errorUnauthorized errorType = "unauthorized"
	errorForbidden    errorType = "forbidden"
	errorBadData      errorType = "bad_data"
	errorInternal     errorType = "internal"
	errorUnavailable  errorType = "unavailable"
	errorNotFound     errorType = "not_found"
)

// Custom errors.
var (
	errInvalidRequest = errors.New("invalid request")
	errInvalidToken   = errors.New("invalid access token")
	errNotLoggedIn    = errors.New("no active session")
	errNotAuthorized  = errors.New("user is not authorized to view the dashboard")
	errNoClient       = errors.New("no client identified")
)

// Response defines the response model of the dashboard API.
type Response[T any] struct {
	Status    string    `json:"status"`
	Data      *T        `json:"data,omitempty"`
	ErrorType errorType `json:"errorType,omitempty"`
	Error     string    `json:"error,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// setHeaders sets common response headers.
func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
}

// errorResponse writes an error response with optional data.
func errorResponse[T any](w http.ResponseWriter, apiErr *apiError, logger *slog.Logger, data *T) {
	var code int

	switch apiErr.typ { //nolint:exhaustive
	case errorBadData:
		code = http.StatusBadRequest
	case errorUnauthorized:
		code = http.StatusUnauthorized
	case errorForbidden:
		code = http.StatusForbidden
	case errorNotFound:
		code = http.StatusNotFound
	case errorUnavailable:
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}

	setHeaders(w)
	w.WriteHeader(code)

	response := Response[T]{
		Status:    "error",
		ErrorType: apiErr.typ,
		Error:     apiErr.err.Error(),
		Data:      data,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// writeResponse writes a success response.
func writeResponse[T any](w http.ResponseWriter, data *T, warnings []string, logger *slog.Logger) {
	setHeaders(w)
	w.WriteHeader(http.StatusOK)

	response := Response[T]{
		Status:   "success",
		Data:     data,
		Warnings: warnings,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}
