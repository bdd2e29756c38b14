package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// envelope wraps every response so scenario tooling decodes one shape:
// {"data": ...} on success, {"error": "..."} on failure.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// maxBodyBytes bounds request bodies. Scenario definitions are the largest
// payload this API accepts and they are far under a megabyte.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("encoding api response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("encoding api error response", "error", err)
	}
}

// readJSON decodes exactly one JSON value from the request body into dst.
// Returns an empty string on success, otherwise a message safe to hand back
// to the client.
func readJSON(r *http.Request, dst any) string {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return "request body is empty"
		}
		return "request body is not valid json"
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return "request body must contain a single json value"
	}
	return ""
}
