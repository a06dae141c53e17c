package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// parseIntQuery extracts an int parameter from the query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	return parseInt(r.URL.Query().Get(key), def)
}

// parseInt parses s, returning def when it is empty or not a number.
func parseInt(s string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
