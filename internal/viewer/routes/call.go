package routes

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/peermentor/internal/call"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API only listens on localhost.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// screenShareWait bounds how long a request waits for the screen picker.
const screenShareWait = 2 * time.Minute

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	svc := d.Service

	// POST /api/call/connect: call a mentor inside an accepted window
	handlePost(mux, "/api/call/connect", func(w http.ResponseWriter, r *http.Request, req mentorReq) {
		if req.MentorID == "" {
			http.Error(w, "missing mentor_id", http.StatusBadRequest)
			return
		}
		st, err := svc.Connect(r.Context(), req.MentorID)
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, st)
	})

	// POST /api/call/listen: answer the next inbound call
	handlePost(mux, "/api/call/listen", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		st, err := svc.Listen(r.Context())
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, st)
	})

	toggles := map[string]func() (call.Status, error){
		"/api/call/toggle-mute":       svc.ToggleMute,
		"/api/call/toggle-video":      svc.TogglePause,
		"/api/call/toggle-fullscreen": svc.ToggleFullscreen,
		"/api/call/close":             svc.CloseCall,
	}
	for path, fn := range toggles {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			st, err := fn()
			if err != nil {
				writeError(w, d, err)
				return
			}
			writeJSON(w, st)
		})
	}

	// POST /api/call/toggle-screen: blocks while the user picks a screen
	handlePost(mux, "/api/call/toggle-screen", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		ctx, cancel := context.WithTimeout(r.Context(), screenShareWait)
		defer cancel()
		st, err := svc.ToggleScreenShare(ctx)
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, st)
	})

	// GET /api/call/status: current session plus its recent events
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		st, history, err := svc.CallStatus()
		if err != nil {
			writeError(w, d, err)
			return
		}
		if history == nil {
			history = []call.LogEntry{}
		}
		writeJSON(w, map[string]any{"status": st, "history": history})
	})

	// GET /api/call/events: SSE: status snapshots until the session ends
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		ch, cancel, err := svc.SubscribeCall()
		if err != nil {
			writeError(w, d, err)
			return
		}
		defer cancel()

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)
		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case st, ok := <-ch:
				if !ok {
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
					return
				}
				if err := writeSSE(w, "status", st); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// GET /api/call/ws: the same feed over a websocket
	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		ch, cancel, err := svc.SubscribeCall()
		if err != nil {
			writeError(w, d, err)
			return
		}
		defer cancel()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serveStatusSocket(conn, ch)
	})

	// GET /api/calls/history?limit=20
	handleGet(mux, "/api/calls/history", func(w http.ResponseWriter, r *http.Request) {
		recs, err := svc.History(queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, recs)
	})
}

func serveStatusSocket(conn *websocket.Conn, ch <-chan call.Status) {
	gone := make(chan struct{})
	go func() {
		// drain client frames so close and pong control frames are seen
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case st, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(st); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
