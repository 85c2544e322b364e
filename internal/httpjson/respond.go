// Package httpjson writes JSON responses and maps domain errors to HTTP status codes.
package httpjson

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rpattn/feeddelta/internal/domain"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
}

// WriteJSON writes payload as indented JSON.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrSchemaMismatch),
		errors.Is(err, domain.ErrMissingInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err with the status from StatusFor.
func WriteError(w http.ResponseWriter, err error) {
	WriteStatus(w, StatusFor(err), err.Error())
}

// WriteStatus writes an error body with an explicit status.
func WriteStatus(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
	})
}
