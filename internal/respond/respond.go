// Package respond writes the relay's JSON bodies.
package respond

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// ErrorBody is the envelope of every locally synthesized error.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// JSON encodes v with the given status.
func JSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// Raw writes an already encoded JSON body.
func Raw(w http.ResponseWriter, statusCode int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// Error writes {"error":{"type","message","details"}}. details is dropped when empty.
func Error(w http.ResponseWriter, statusCode int, errType, message, details string) {
	JSON(w, statusCode, ErrorBody{Error: ErrorDetail{Type: errType, Message: message, Details: details}})
}
