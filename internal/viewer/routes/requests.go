package routes

import "net/http"

type mentorReq struct {
	MentorID string `json:"mentor_id"`
}

func registerRequestRoutes(mux *http.ServeMux, d Deps) {
	svc := d.Service

	// GET /api/requests: every live request keyed by mentor id
	handleGet(mux, "/api/requests", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Requests())
	})

	// POST /api/requests/request
	handlePost(mux, "/api/requests/request", func(w http.ResponseWriter, r *http.Request, req mentorReq) {
		if req.MentorID == "" {
			http.Error(w, "missing mentor_id", http.StatusBadRequest)
			return
		}
		mr, err := svc.Request(req.MentorID)
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, mr)
	})

	// POST /api/requests/cancel: cancelling nothing is not an error
	handlePost(mux, "/api/requests/cancel", func(w http.ResponseWriter, r *http.Request, req mentorReq) {
		if req.MentorID == "" {
			http.Error(w, "missing mentor_id", http.StatusBadRequest)
			return
		}
		svc.Cancel(req.MentorID)
		writeJSON(w, map[string]string{"status": "cancelled", "mentor_id": req.MentorID})
	})

	// POST /api/requests/accept: grant a pending request now (manual policy)
	handlePost(mux, "/api/requests/accept", func(w http.ResponseWriter, r *http.Request, req mentorReq) {
		if req.MentorID == "" {
			http.Error(w, "missing mentor_id", http.StatusBadRequest)
			return
		}
		mr, err := svc.Accept(req.MentorID)
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, mr)
	})

	// GET /api/requests/log?mentor=1&limit=50
	handleGet(mux, "/api/requests/log", func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.RequestLog(r.URL.Query().Get("mentor"), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, entries)
	})

	// GET /api/requests/events: SSE: the current map, then every change
	handleGet(mux, "/api/requests/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := svc.SubscribeRequests()
		defer cancel()

		if err := writeSSE(w, "snapshot", svc.Requests()); err != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := writeSSE(w, ev.Type, ev.Request); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
