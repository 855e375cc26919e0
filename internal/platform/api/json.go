package api

import (
	"encoding/json"
	"net/http"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MutationResult is the {ok, error} shape returned by user-data mutations.
type MutationResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WriteMutation writes a MutationResult. A non-empty message marks the result as failed.
func WriteMutation(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, MutationResult{OK: message == "", Error: message})
}
