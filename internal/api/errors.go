package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/panduza/panduza-core/internal/errkind"
	"github.com/panduza/panduza-core/internal/fleet"
	"github.com/panduza/panduza-core/internal/reactor"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeUnknownProduct = "unknown_producer"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // the client may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// orderFailures maps fleet and reactor errors to responses, first match wins.
var orderFailures = []struct {
	targets []error
	status  int
	code    string
}{
	{[]error{fleet.ErrExists, reactor.ErrInstanceExists}, http.StatusConflict, ErrCodeConflict},
	{[]error{fleet.ErrNotFound, reactor.ErrUnknownInstance}, http.StatusNotFound, ErrCodeNotFound},
	{[]error{errkind.ErrUnknownProducer}, http.StatusBadRequest, ErrCodeUnknownProduct},
	{[]error{errkind.ErrBadSettings}, http.StatusBadRequest, ErrCodeValidation},
	{[]error{reactor.ErrClosed}, http.StatusServiceUnavailable, ErrCodeUnavailable},
}

// writeOrderError answers a failed order or spawn. Unclassified errors
// become a 500.
func writeOrderError(w http.ResponseWriter, err error) {
	for _, f := range orderFailures {
		for _, target := range f.targets {
			if errors.Is(err, target) {
				writeError(w, f.status, f.code, err.Error())
				return
			}
		}
	}
	writeInternalError(w, err.Error())
}
