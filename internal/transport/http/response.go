package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/avoronova/clipline/internal/common"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP status codes. Validation errors
// carry their field details; everything unrecognized is a 500 with the
// detail kept server-side.
func writeError(w http.ResponseWriter, err error) {
	var verrs common.ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": verrs,
		})
		return
	}

	var conflict *common.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": conflict.Error()})
		return
	}

	switch {
	case common.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
	case common.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case common.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}
