package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/directory"
	"github.com/petervdpas/peermentor/internal/ledger"
	"github.com/petervdpas/peermentor/internal/storage"
)

var (
	errUnknown  = errors.New("unknown mentor")
	errNotReady = errors.New("window inactive")
)

type fakeService struct {
	mu         sync.Mutex
	mentors    []directory.Mentor
	requests   map[string]ledger.MentorRequest
	reqCh      chan ledger.Event
	status     call.Status
	statusCh   chan call.Status
	session    bool
	toggled    []string
	connectErr error
	screenErr  error
}

func newFakeService() *fakeService {
	return &fakeService{
		mentors: []directory.Mentor{
			{ID: "1", Name: "Arjun", Badge: "React Expert", Presence: directory.Online, EndpointID: "mentor-arjun-123"},
			{ID: "2", Name: "Ananya", Badge: "Data Science", Presence: directory.Offline},
		},
		requests: map[string]ledger.MentorRequest{},
		reqCh:    make(chan ledger.Event, 8),
		statusCh: make(chan call.Status, 8),
	}
}

func (f *fakeService) Mentors(term string) []directory.Mentor {
	var out []directory.Mentor
	for _, m := range f.mentors {
		if m.Matches(term) {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeService) Mentor(id string) (directory.Mentor, error) {
	for _, m := range f.mentors {
		if m.ID == id {
			return m, nil
		}
	}
	return directory.Mentor{}, errUnknown
}

func (f *fakeService) SubscribeMentors() (<-chan directory.Event, func()) {
	ch := make(chan directory.Event, 1)
	ch <- directory.Event{Type: directory.EventReload}
	return ch, func() {}
}

func (f *fakeService) Request(id string) (ledger.MentorRequest, error) {
	if _, err := f.Mentor(id); err != nil {
		return ledger.MentorRequest{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		r = ledger.MentorRequest{MentorID: id, Status: ledger.Pending, CreatedAt: time.Now()}
		f.requests[id] = r
	}
	return r, nil
}

func (f *fakeService) Cancel(id string) {
	f.mu.Lock()
	delete(f.requests, id)
	f.mu.Unlock()
}

func (f *fakeService) Accept(id string) (ledger.MentorRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return ledger.MentorRequest{}, errUnknown
	}
	r.Status = ledger.Accepted
	r.WindowStart = time.Now()
	r.WindowEnd = r.WindowStart.Add(time.Hour)
	f.requests[id] = r
	return r, nil
}

func (f *fakeService) Requests() map[string]ledger.MentorRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]ledger.MentorRequest, len(f.requests))
	for k, v := range f.requests {
		out[k] = v
	}
	return out
}

func (f *fakeService) SubscribeRequests() (<-chan ledger.Event, func()) {
	return f.reqCh, func() {}
}

func (f *fakeService) RequestLog(string, int) ([]storage.RequestEvent, error) {
	return []storage.RequestEvent{{MentorID: "1", Event: ledger.EventRequested}}, nil
}

func (f *fakeService) Connect(_ context.Context, id string) (call.Status, error) {
	if f.connectErr != nil {
		return call.Status{}, f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = true
	f.status = call.Status{SessionID: "s1", Phase: call.Initiating, MentorID: id, Message: "Connecting..."}
	return f.status, nil
}

func (f *fakeService) Listen(context.Context) (call.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = true
	f.status = call.Status{SessionID: "s2", Phase: call.Initiating}
	return f.status, nil
}

func (f *fakeService) toggle(name string, apply func(*call.Status)) (call.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.session {
		return call.Status{}, call.ErrNoSession
	}
	f.toggled = append(f.toggled, name)
	apply(&f.status)
	return f.status, nil
}

func (f *fakeService) ToggleMute() (call.Status, error) {
	return f.toggle("mute", func(s *call.Status) { s.Muted = !s.Muted })
}

func (f *fakeService) TogglePause() (call.Status, error) {
	return f.toggle("pause", func(s *call.Status) { s.VideoPaused = !s.VideoPaused })
}

func (f *fakeService) ToggleFullscreen() (call.Status, error) {
	return f.toggle("fullscreen", func(s *call.Status) { s.Fullscreen = !s.Fullscreen })
}

func (f *fakeService) ToggleScreenShare(context.Context) (call.Status, error) {
	if f.screenErr != nil {
		return f.status, f.screenErr
	}
	return f.toggle("screen", func(s *call.Status) { s.MediaKind = call.Screen })
}

func (f *fakeService) CloseCall() (call.Status, error) {
	return f.toggle("close", func(s *call.Status) { s.Phase = call.Ended })
}

func (f *fakeService) CallStatus() (call.Status, []call.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.session {
		return call.Status{Phase: call.Idle}, nil, call.ErrNoSession
	}
	return f.status, []call.LogEntry{{Phase: f.status.Phase, Event: "started"}}, nil
}

func (f *fakeService) SubscribeCall() (<-chan call.Status, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.session {
		return nil, nil, call.ErrNoSession
	}
	return f.statusCh, func() {}, nil
}

func (f *fakeService) History(limit int) ([]storage.CallRecord, error) {
	return []storage.CallRecord{{SessionID: "old", Phase: "ended"}}[:min(limit, 1)], nil
}

func testServer(t *testing.T, svc *fakeService) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	Register(mux, Deps{
		Service: svc,
		StatusFor: func(err error) int {
			switch {
			case errors.Is(err, errUnknown):
				return http.StatusNotFound
			case errors.Is(err, errNotReady):
				return http.StatusForbidden
			}
			return 0
		},
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestMentorRoutes(t *testing.T) {
	srv := testServer(t, newFakeService())

	list := decode[[]directory.Mentor](t, get(t, srv, "/api/mentors?q=data"))
	if len(list) != 1 || list[0].ID != "2" {
		t.Fatalf("search = %+v", list)
	}

	if resp := get(t, srv, "/api/mentors/get?id=404"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown mentor status = %d", resp.StatusCode)
	}
	if resp := get(t, srv, "/api/mentors/get"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id status = %d", resp.StatusCode)
	}
	m := decode[directory.Mentor](t, get(t, srv, "/api/mentors/get?id=1"))
	if m.EndpointID != "mentor-arjun-123" {
		t.Fatalf("mentor = %+v", m)
	}
}

func TestRequestRoutes(t *testing.T) {
	svc := newFakeService()
	srv := testServer(t, svc)

	if resp := post(t, srv, "/api/requests/request", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing mentor_id status = %d", resp.StatusCode)
	}
	if resp := post(t, srv, "/api/requests/request", `{"mentor_id":"404"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown mentor status = %d", resp.StatusCode)
	}
	r := decode[ledger.MentorRequest](t, post(t, srv, "/api/requests/request", `{"mentor_id":"1"}`))
	if r.Status != ledger.Pending {
		t.Fatalf("request = %+v", r)
	}
	r = decode[ledger.MentorRequest](t, post(t, srv, "/api/requests/accept", `{"mentor_id":"1"}`))
	if r.Status != ledger.Accepted || r.WindowEnd.IsZero() {
		t.Fatalf("accept = %+v", r)
	}

	all := decode[map[string]ledger.MentorRequest](t, get(t, srv, "/api/requests"))
	if all["1"].Status != ledger.Accepted {
		t.Fatalf("requests = %+v", all)
	}

	post(t, srv, "/api/requests/cancel", `{"mentor_id":"1"}`)
	if all := decode[map[string]ledger.MentorRequest](t, get(t, srv, "/api/requests")); len(all) != 0 {
		t.Fatalf("after cancel = %+v", all)
	}

	if resp := get(t, srv, "/api/requests/request"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET on POST route status = %d", resp.StatusCode)
	}
	if resp := post(t, srv, "/api/requests/request", `{`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", resp.StatusCode)
	}
}

func TestRequestEventsStream(t *testing.T) {
	svc := newFakeService()
	srv := testServer(t, svc)
	svc.reqCh <- ledger.Event{Type: ledger.EventAccepted, Request: ledger.MentorRequest{MentorID: "1", Status: ledger.Accepted}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/requests/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(events) < 2 {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	if len(events) != 2 || events[0] != "snapshot" || events[1] != ledger.EventAccepted {
		t.Fatalf("events = %v", events)
	}
}

func TestCallRoutes(t *testing.T) {
	svc := newFakeService()
	srv := testServer(t, svc)

	if resp := post(t, srv, "/api/call/toggle-mute", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("toggle without session status = %d", resp.StatusCode)
	}
	if resp := get(t, srv, "/api/call/status"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status without session = %d", resp.StatusCode)
	}

	svc.connectErr = errNotReady
	if resp := post(t, srv, "/api/call/connect", `{"mentor_id":"1"}`); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("gated connect status = %d", resp.StatusCode)
	}
	svc.connectErr = nil

	st := decode[call.Status](t, post(t, srv, "/api/call/connect", `{"mentor_id":"1"}`))
	if st.MentorID != "1" || st.Phase != call.Initiating {
		t.Fatalf("connect = %+v", st)
	}

	st = decode[call.Status](t, post(t, srv, "/api/call/toggle-mute", ""))
	if !st.Muted {
		t.Fatal("mute not toggled")
	}
	st = decode[call.Status](t, post(t, srv, "/api/call/toggle-video", ""))
	if !st.VideoPaused {
		t.Fatal("video not paused")
	}
	st = decode[call.Status](t, post(t, srv, "/api/call/toggle-fullscreen", ""))
	if !st.Fullscreen {
		t.Fatal("fullscreen not toggled")
	}

	svc.screenErr = &call.FailureError{Reason: call.ScreenCaptureDenied, Err: errors.New("denied")}
	resp := post(t, srv, "/api/call/toggle-screen", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("denied screen status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["reason"] != string(call.ScreenCaptureDenied) || body["message"] != call.ScreenCaptureDenied.Text() {
		t.Fatalf("denied body = %v", body)
	}

	status := decode[struct {
		Status  call.Status     `json:"status"`
		History []call.LogEntry `json:"history"`
	}](t, get(t, srv, "/api/call/status"))
	if !status.Status.Muted || len(status.History) != 1 {
		t.Fatalf("status = %+v", status)
	}

	st = decode[call.Status](t, post(t, srv, "/api/call/close", ""))
	if st.Phase != call.Ended {
		t.Fatalf("close = %+v", st)
	}

	hist := decode[[]storage.CallRecord](t, get(t, srv, "/api/calls/history?limit=5"))
	if len(hist) != 1 || hist[0].SessionID != "old" {
		t.Fatalf("history = %+v", hist)
	}

	want := []string{"mute", "pause", "fullscreen", "close"}
	if strings.Join(svc.toggled, ",") != strings.Join(want, ",") {
		t.Fatalf("toggled = %v", svc.toggled)
	}
}

func TestCallStatusSocket(t *testing.T) {
	svc := newFakeService()
	srv := testServer(t, svc)
	post(t, srv, "/api/call/listen", "")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/call/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	svc.statusCh <- call.Status{SessionID: "s2", Phase: call.Connected, Message: "Connected"}
	close(svc.statusCh)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var st call.Status
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("read: %v", err)
	}
	if st.Phase != call.Connected {
		t.Fatalf("status = %+v", st)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

type fakeLogs struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeLogs) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.RequestURI())
	f.mu.Unlock()
	writeJSON(w, []string{})
}

func (f *fakeLogs) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	f.ServeLogsJSON(w, r)
}

func TestLogRoutesCheckFilters(t *testing.T) {
	logs := &fakeLogs{}
	mux := http.NewServeMux()
	Register(mux, Deps{Service: newFakeService(), Logs: logs})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tests := []struct {
		path string
		want int
	}{
		{"/api/logs", http.StatusOK},
		{"/api/logs?level=WARN&component=call&limit=5", http.StatusOK},
		{"/api/logs?level=loud", http.StatusBadRequest},
		{"/api/logs?limit=-1", http.StatusBadRequest},
		{"/api/logs/stream?level=nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if resp := get(t, srv, tt.path); resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
	if resp := post(t, srv, "/api/logs", "{}"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/logs = %d", resp.StatusCode)
	}

	logs.mu.Lock()
	defer logs.mu.Unlock()
	if len(logs.paths) != 2 {
		t.Fatalf("log buffer saw %v, want only the two valid queries", logs.paths)
	}
}
