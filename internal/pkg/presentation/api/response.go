package api

import (
	"encoding/json"
	"net/http"

	"github.com/diwise/resource-broker/pkg/resources"
	"github.com/diwise/resource-broker/pkg/resources/errors"
)

// Envelope is the uniform response body: success responses carry data
// (and a meta block for lists), failures carry a message and a typed
// error.
type Envelope struct {
	Success bool                `json:"success"`
	Data    any                 `json:"data,omitempty"`
	Message *string             `json:"message"`
	Meta    *resources.PageMeta `json:"meta,omitempty"`
	Error   *ErrorBody          `json:"error,omitempty"`
}

// ErrorBody names the failure type from the error taxonomy and carries
// any structured details it came with.
type ErrorBody struct {
	Type    string `json:"type"`
	Details any    `json:"details,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any, meta *resources.PageMeta) {
	writeJSON(w, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// writeError translates a taxonomy error into its HTTP status and
// envelope. Unclassified failures are answered with a sanitized
// message; the controller has already logged them with full context.
func writeError(w http.ResponseWriter, err error) {
	status, errType := http.StatusInternalServerError, "internal_error"
	message := err.Error()

	switch {
	case errors.Is(err, errors.ErrInvalidResource):
		status, errType = http.StatusBadRequest, "invalid_resource"
	case errors.Is(err, errors.ErrInvalidRequest):
		status, errType = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, errors.ErrInvalidFilter):
		status, errType = http.StatusBadRequest, "invalid_filter"
	case errors.Is(err, errors.ErrValidation):
		status, errType = http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, errors.ErrNotFound):
		status, errType = http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrDependencyConstraint):
		status, errType = http.StatusConflict, "dependency_constraint_violation"
	case errors.Is(err, errors.ErrAmbiguousMatch):
		status, errType = http.StatusUnprocessableEntity, "ambiguous_search_match"
	case errors.Is(err, errors.ErrNoMatch):
		status, errType = http.StatusUnprocessableEntity, "no_search_match"
	default:
		message = "internal server error"
	}

	writeJSON(w, status, Envelope{
		Success: false,
		Message: &message,
		Error: &ErrorBody{
			Type:    errType,
			Details: errors.Details(err),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(body)
}
