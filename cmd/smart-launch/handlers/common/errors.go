// Package common holds the JSON response helpers shared by the handlers
package common

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorResponse is the JSON error body of every handler
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// SetJSONHeaders sets the headers of a JSON response. Responses may carry
// patient data, so nothing is cached.
func SetJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
}

// WriteError sends a 400 error response
func WriteError(w http.ResponseWriter, code string, description string) {
	WriteErrorStatus(w, http.StatusBadRequest, code, description)
}

// WriteErrorStatus sends an error response with status
func WriteErrorStatus(w http.ResponseWriter, status int, code string, description string) {
	SetJSONHeaders(w)

	response := ErrorResponse{
		Error:            code,
		ErrorDescription: strings.TrimSpace(description),
	}

	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		WriteJSONError(w, err)
		return
	}
}

// WriteJSON sends v with status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		WriteJSONError(w, err)
		return
	}

	SetJSONHeaders(w)
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// WriteJSONError handles JSON encoding failures with a standardized response
func WriteJSONError(w http.ResponseWriter, err error) {
	SetJSONHeaders(w)
	w.WriteHeader(http.StatusInternalServerError)

	errResponse := []byte(`{"error":"server_error","error_description":"Failed to encode response"}`)
	if _, writeErr := w.Write(errResponse); writeErr != nil {
		return
	}
}
