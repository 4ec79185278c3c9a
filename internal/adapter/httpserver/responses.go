// Package httpserver contains the control API handlers and middleware.
//
// Every operation is idempotent and answers with a flat json object
// carrying status "ok" or "error"; the dispatcher itself never blocks a
// handler for longer than a KV round trip.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/waflow/antiban-dispatcher/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK wraps the payload in the standard ok envelope.
func writeOK(w http.ResponseWriter, payload map[string]any) {
	body := map[string]any{"status": "ok"}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrNoSessions):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": "error", "reason": err.Error()})
}
