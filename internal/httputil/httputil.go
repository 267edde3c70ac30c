// Package httputil provides the small set of JSON response helpers shared
// across internal/httpapi handlers, following the shape of the teacher's own
// internal/httputil helpers (WriteJSON/WriteError) but adapted to Dispatch's
// structured error envelope (spec.md §6).
package httputil

import (
	"encoding/json"
	"io"
	"net/http"
)

// WriteJSON writes v as a JSON response body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v.
func DecodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
