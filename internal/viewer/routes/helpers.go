package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/petervdpas/peermentor/internal/call"
)

const maxBody = 64 << 10

func handleGet(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

// handlePost decodes the JSON body into T before calling h. An empty body
// leaves T zero.
func handlePost[T any](mux *http.ServeMux, path string, h func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, fmt.Sprintf("bad json: %v", err), http.StatusBadRequest)
			return
		}
		h(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status d maps err to and a JSON body the UI
// can show.
func writeError(w http.ResponseWriter, d Deps, err error) {
	code := d.statusFor(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	body := map[string]string{"error": err.Error()}
	var fe *call.FailureError
	if errors.As(err, &fe) {
		body["reason"] = string(fe.Reason)
		body["message"] = fe.Reason.Text()
	}
	_ = json.NewEncoder(w).Encode(body)
}

func callStatus(err error) int {
	var fe *call.FailureError
	switch {
	case errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrNotConnected),
		errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrSessionClosed):
		return http.StatusConflict
	case errors.As(err, &fe):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func queryInt(r *http.Request, key string, def int) int {
	s := strings.TrimSpace(r.URL.Query().Get(key))
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
