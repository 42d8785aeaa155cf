package routes

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// registerAPILogRoutes exposes the process log. Both routes take optional
// level (minimum) and component filters; /api/logs also takes limit.
func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	// GET /api/logs?level=warn&component=call&limit=100
	handleGet(mux, "/api/logs", checkLogQuery(d.Logs.ServeLogsJSON))
	// GET /api/logs/stream?level=&component=: SSE tail, no backlog
	handleGet(mux, "/api/logs/stream", checkLogQuery(d.Logs.ServeLogsSSE))
}

// checkLogQuery answers 400 for filters the log buffer would otherwise
// silently ignore.
func checkLogQuery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if lv := strings.TrimSpace(q.Get("level")); lv != "" {
			if _, err := zerolog.ParseLevel(strings.ToLower(lv)); err != nil {
				http.Error(w, "unknown log level "+strconv.Quote(lv), http.StatusBadRequest)
				return
			}
		}
		if s := strings.TrimSpace(q.Get("limit")); s != "" {
			if n, err := strconv.Atoi(s); err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
		}
		next(w, r)
	}
}
