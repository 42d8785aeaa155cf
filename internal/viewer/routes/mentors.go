package routes

import (
	"fmt"
	"net/http"
	"strings"
)

func registerMentorRoutes(mux *http.ServeMux, d Deps) {
	svc := d.Service

	// GET /api/mentors?q=react  (search over name, badge and bio)
	handleGet(mux, "/api/mentors", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Mentors(strings.TrimSpace(r.URL.Query().Get("q"))))
	})

	// GET /api/mentors/get?id=1
	handleGet(mux, "/api/mentors/get", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		m, err := svc.Mentor(id)
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, m)
	})

	// GET /api/mentors/events: SSE: presence changes and directory reloads
	handleGet(mux, "/api/mentors/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := svc.SubscribeMentors()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := writeSSE(w, "mentor", ev); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
