// Package api exposes the authoring services over HTTP: record CRUD and
// lifecycle actions, the legacy external-review callback, and the
// published-identifier resolvers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/restore"
)

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteProblem writes the JSON error body used across the API: a message
// plus an optional list of per-field errors.
func WriteProblem(w http.ResponseWriter, status int, message string, fieldErrors ...string) {
	body := map[string]any{"message": message}
	if len(fieldErrors) > 0 {
		body["errors"] = fieldErrors
	}
	writeJSON(w, status, body)
}

// WriteServiceError maps the service error taxonomy onto HTTP statuses:
// 401 for authorization failures, 404 for missing subjects, 400 for
// invalid content, 409 for state-machine violations, 502 for upstream
// service failures.
func WriteServiceError(w http.ResponseWriter, log *slog.Logger, err error) {
	var invalid *dbio.InvalidRecordError
	var badupdate *dbio.InvalidUpdateError
	var upstream *restore.UpstreamError
	switch {
	case errors.Is(err, dbio.ErrNotAuthorized):
		WriteProblem(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, dbio.ErrNotFound):
		WriteProblem(w, http.StatusNotFound, err.Error())
	case errors.As(err, &badupdate):
		WriteProblem(w, http.StatusBadRequest, badupdate.Error(), badupdate.Errors...)
	case errors.As(err, &invalid):
		WriteProblem(w, http.StatusBadRequest, invalid.Error(), invalid.Errors...)
	case errors.Is(err, dbio.ErrInvalidRecord):
		WriteProblem(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dbio.ErrAlreadyExists),
		errors.Is(err, dbio.ErrNotEditable),
		errors.Is(err, dbio.ErrNotSubmitable):
		WriteProblem(w, http.StatusConflict, err.Error())
	case errors.As(err, &upstream):
		WriteProblem(w, http.StatusBadGateway, err.Error())
	default:
		log.Error("request failed", "error", err)
		WriteProblem(w, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
	}
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	WriteProblem(w, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}
