// Package respond writes the JSON envelopes shared by the HTTP adapters.
package respond

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the body of every non-2xx response.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// JSON writes payload with status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Error writes a generic message plus a short detail.
func Error(w http.ResponseWriter, status int, message, detail string) {
	JSON(w, status, ErrorBody{Error: message, Detail: detail})
}

// MethodNotAllowed sets Allow and writes a 405.
func MethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	Error(w, http.StatusMethodNotAllowed, "method not allowed", "")
}
