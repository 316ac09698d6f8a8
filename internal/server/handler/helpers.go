package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "message": msg})
}

// parseLimit extracts a limit query parameter with a default and a cap.
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// parseTradeTS parses the optional trade_ts request field. An empty value
// returns the zero time, meaning "now". Both RFC 3339 and a bare local
// timestamp without zone are accepted.
func parseTradeTS(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", v, time.Local)
}
