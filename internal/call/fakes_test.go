package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/media"
)

type fakeTrack struct {
	id   string
	kind media.Kind

	mu      sync.Mutex
	enabled bool
	stops   int
	ended   []func()
}

func newFakeTrack(id string, kind media.Kind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string               { return t.id }
func (t *fakeTrack) Kind() media.Kind         { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.ended = append(t.ended, fn)
	t.mu.Unlock()
}

func (t *fakeTrack) end() {
	t.mu.Lock()
	hs := append([]func(){}, t.ended...)
	t.mu.Unlock()
	for _, fn := range hs {
		fn()
	}
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeSource struct {
	userErr   error
	screenErr error
	gate      chan struct{}

	mu      sync.Mutex
	cameras []*media.Stream
	mics    []*fakeTrack
	cams    []*fakeTrack
	screens []*fakeTrack
}

func (s *fakeSource) UserMedia(ctx context.Context) (*media.Stream, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.userErr != nil {
		return nil, s.userErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.cameras)
	mic := newFakeTrack(fmt.Sprintf("mic-%d", n), media.KindAudio)
	cam := newFakeTrack(fmt.Sprintf("cam-%d", n), media.KindVideo)
	st := media.NewStream(fmt.Sprintf("camera-%d", n), mic, cam)
	s.cameras = append(s.cameras, st)
	s.mics = append(s.mics, mic)
	s.cams = append(s.cams, cam)
	return st, nil
}

func (s *fakeSource) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	if s.screenErr != nil {
		return nil, s.screenErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := newFakeTrack(fmt.Sprintf("screen-%d", len(s.screens)), media.KindVideo)
	s.screens = append(s.screens, tr)
	return media.NewStream("screen", tr), nil
}

func (s *fakeSource) mic(i int) *fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mics[i]
}

func (s *fakeSource) cam(i int) *fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cams[i]
}

func (s *fakeSource) screen(i int) *fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screens[i]
}

type fakeConn struct {
	remote    string
	answerErr error

	mu       sync.Mutex
	onStream func(string)
	onClose  func()
	onErr    func(error)
	replaced []media.Track
	answered int
	closes   int
}

func (c *fakeConn) RemoteID() string { return c.remote }

func (c *fakeConn) Answer(ctx context.Context, local *media.Stream) error {
	c.mu.Lock()
	c.answered++
	c.mu.Unlock()
	return c.answerErr
}

func (c *fakeConn) OnRemoteStream(fn func(string)) { c.mu.Lock(); c.onStream = fn; c.mu.Unlock() }
func (c *fakeConn) OnClose(fn func())              { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }
func (c *fakeConn) OnError(fn func(error))         { c.mu.Lock(); c.onErr = fn; c.mu.Unlock() }

func (c *fakeConn) ReplaceVideoTrack(t media.Track) error {
	c.mu.Lock()
	c.replaced = append(c.replaced, t)
	c.mu.Unlock()
	return nil
}

// Close fires OnClose like a real connection does on any close.
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *fakeConn) attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onStream != nil && c.onClose != nil && c.onErr != nil
}

func (c *fakeConn) remoteStream() {
	c.mu.Lock()
	fn := c.onStream
	c.mu.Unlock()
	fn("remote-stream")
}

func (c *fakeConn) remoteClose() {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	fn()
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	fn := c.onErr
	c.mu.Unlock()
	fn(err)
}

func (c *fakeConn) replacedTracks() []media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Track(nil), c.replaced...)
}

func (c *fakeConn) counts() (answered, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered, c.closes
}

type fakeEndpoint struct {
	id      string
	dialErr error

	mu         sync.Mutex
	dials      int
	dialedWith *media.Stream
	conns      []*fakeConn
	onIncoming func(Conn)
	onErr      func(error)
	closes     int
}

func (e *fakeEndpoint) ID() string { return e.id }

func (e *fakeEndpoint) Dial(ctx context.Context, remoteID string, local *media.Stream) (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dials++
	e.dialedWith = local
	if e.dialErr != nil {
		return nil, e.dialErr
	}
	c := &fakeConn{remote: remoteID}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *fakeEndpoint) OnIncoming(fn func(Conn)) { e.mu.Lock(); e.onIncoming = fn; e.mu.Unlock() }
func (e *fakeEndpoint) OnError(fn func(error))   { e.mu.Lock(); e.onErr = fn; e.mu.Unlock() }

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) ring(c Conn) {
	e.mu.Lock()
	fn := e.onIncoming
	e.mu.Unlock()
	fn(c)
}

func (e *fakeEndpoint) fail(err error) {
	e.mu.Lock()
	fn := e.onErr
	e.mu.Unlock()
	fn(err)
}

func (e *fakeEndpoint) snapshot() (dials, closes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials, e.closes
}

type fakeRegistrar struct {
	ep   *fakeEndpoint
	err  error
	gate chan struct{}
}

func (r *fakeRegistrar) Register(ctx context.Context) (Endpoint, error) {
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.ep, nil
}

type harness struct {
	reg  *fakeRegistrar
	ep   *fakeEndpoint
	src  *fakeSource
	m    *Manager
	mu   sync.Mutex
	ends []Status
}

func newHarness(t *testing.T, tweak func(*harness, *Options)) *harness {
	t.Helper()
	h := &harness{
		ep:  &fakeEndpoint{id: "learner-ep"},
		src: &fakeSource{},
	}
	h.reg = &fakeRegistrar{ep: h.ep}
	opts := Options{
		NegotiationTimeout: 5 * time.Second,
		Logger:             zerolog.Nop(),
		OnEnd: func(st Status) {
			h.mu.Lock()
			h.ends = append(h.ends, st)
			h.mu.Unlock()
		},
	}
	if tweak != nil {
		tweak(h, &opts)
	}
	opts.Registrar = h.reg
	opts.Media = h.src
	h.m = NewManager(opts)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) endCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ends)
}

var arjun = Target{MentorID: "1", Name: "Arjun", EndpointID: "mentor-arjun-123"}

func (h *harness) connect(t *testing.T) *Session {
	t.Helper()
	s, err := h.m.Connect(context.Background(), arjun)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

// connected drives a new session to Connected and returns it with its conn.
func (h *harness) connected(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	s := h.connect(t)
	c := h.waitConn(t, 0)
	c.remoteStream()
	waitPhase(t, s, Connected)
	return s, c
}

func (h *harness) waitConn(t *testing.T, i int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.ep.mu.Lock()
		var c *fakeConn
		if len(h.ep.conns) > i {
			c = h.ep.conns[i]
		}
		h.ep.mu.Unlock()
		if c != nil && c.attached() {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("conn %d never attached", i)
	return nil
}

func waitFor(t *testing.T, s *Session, what string, ok func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.Status(); ok(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; status %+v", what, s.Status())
	return Status{}
}

func waitPhase(t *testing.T, s *Session, p Phase) Status {
	t.Helper()
	return waitFor(t, s, string(p), func(st Status) bool { return st.Phase == p })
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session not done; status %+v", s.Status())
	}
}

func waitUntil(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errSignal = errors.New("ice negotiation failed")
