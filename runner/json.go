package runner

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error       string   `json:"error"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, diagnostics ...string) {
	writeJSON(w, status, errorResponse{Error: msg, Diagnostics: diagnostics})
}
