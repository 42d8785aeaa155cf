package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/petervdpas/peermentor/internal/media"
	"github.com/petervdpas/peermentor/internal/util"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	historySize               = 64
)

type Options struct {
	Registrar          Registrar
	Media              media.Source
	NegotiationTimeout time.Duration
	Logger             zerolog.Logger
	// OnEnd runs once, on the session goroutine, with the final status.
	OnEnd func(Status)
}

// LogEntry is one line of a session's recent history.
type LogEntry struct {
	At    time.Time `json:"at"`
	Phase Phase     `json:"phase"`
	Event string    `json:"event"`
}

// Session is one call attempt. All state changes happen on a single
// goroutine that reacts to one event at a time: UI commands, signaling and
// media callbacks, timers, and the results of blocking work started off the
// loop. Resources are released exactly once, and results that arrive after
// the session ended are released on arrival.
type Session struct {
	id     string
	target Target
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	qmu    sync.Mutex
	queue  []event
	wake   chan struct{}
	exited bool
	done   chan struct{}

	smu      sync.RWMutex
	status   Status
	watchers map[chan Status]struct{}
	history  *util.RingBuffer[LogEntry]

	// Owned by the loop goroutine.
	st           Status
	endpoint     Endpoint
	conn         Conn
	held         Conn
	dialing      bool
	camera       *media.Stream
	screen       *media.Stream
	timer        *time.Timer
	timerSeq     int
	inflight     int
	capturing    bool
	captureReply chan cmdResult
	queuedMute   bool
	queuedPause  bool
	released     bool
}

func newSession(target Target, opts Options) *Session {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		target:   target,
		opts:     opts,
		log:      opts.Logger.With().Str("session", id[:8]).Str("mentor", target.MentorID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		watchers: map[chan Status]struct{}{},
		history:  util.NewRingBuffer[LogEntry](historySize),
	}
	s.st = Status{
		SessionID:        id,
		Phase:            Idle,
		Message:          statusText(Idle, ReasonNone),
		MentorID:         target.MentorID,
		RemoteEndpointID: target.EndpointID,
		MediaKind:        Camera,
		StartedAt:        time.Now(),
	}
	s.status = s.st
	return s
}

func (s *Session) start() {
	go s.run()
	s.post(startEvent{})
}

func (s *Session) ID() string { return s.id }

func (s *Session) Target() Target { return s.target }

func (s *Session) Status() Status {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.status
}

// Done is closed once the session has ended and every resource, including
// late results, has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// History returns recent session events, oldest first.
func (s *Session) History() []LogEntry { return s.history.Snapshot() }

// Subscribe streams status changes, starting with the current status. The
// channel closes when the session is done.
func (s *Session) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	s.smu.Lock()
	ch <- s.status
	select {
	case <-s.done:
		s.smu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.watchers[ch] = struct{}{}
	s.smu.Unlock()

	return ch, func() {
		s.smu.Lock()
		defer s.smu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}
}

func (s *Session) ToggleMute() (Status, error)       { return s.do(context.Background(), opMute) }
func (s *Session) TogglePause() (Status, error)      { return s.do(context.Background(), opPause) }
func (s *Session) ToggleFullscreen() (Status, error) { return s.do(context.Background(), opFullscreen) }

// ToggleScreenShare switches the outgoing video between camera and screen.
// Starting a share blocks until the screen capture resolves or ctx ends.
func (s *Session) ToggleScreenShare(ctx context.Context) (Status, error) {
	return s.do(ctx, opScreen)
}

// Close ends the call. Closing an ended session is a no-op.
func (s *Session) Close() (Status, error) { return s.do(context.Background(), opClose) }

func (s *Session) do(ctx context.Context, op op) (Status, error) {
	reply := make(chan cmdResult, 1)
	s.post(&command{op: op, reply: reply})
	select {
	case r := <-reply:
		return r.status, r.err
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// post queues ev for the loop. Once the loop has exited, ev is released
// immediately instead.
func (s *Session) post(ev event) {
	s.qmu.Lock()
	if s.exited {
		s.qmu.Unlock()
		ev.discard(s)
		return
	}
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) next() (event, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	ev := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Session) run() {
	for range s.wake {
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			s.handle(ev)
			s.publish()
		}
		if s.st.Phase.Terminal() && s.inflight == 0 {
			s.exit()
			return
		}
	}
}

func (s *Session) exit() {
	s.qmu.Lock()
	s.exited = true
	leftover := s.queue
	s.queue = nil
	s.qmu.Unlock()
	for _, ev := range leftover {
		ev.discard(s)
	}

	s.smu.Lock()
	close(s.done)
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = map[chan Status]struct{}{}
	s.smu.Unlock()
	s.log.Debug().Msg("session loop exited")
}

func (s *Session) publish() {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.status == s.st {
		return
	}
	s.status = s.st
	for ch := range s.watchers {
		select {
		case ch <- s.st:
		default:
		}
	}
}

// spawn runs blocking work off the loop; its result comes back as an event.
func (s *Session) spawn(work func() event) {
	s.inflight++
	go func() { s.post(work()) }()
}

func (s *Session) record(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.history.Push(LogEntry{At: time.Now(), Phase: s.st.Phase, Event: msg})
	s.log.Debug().Str("phase", string(s.st.Phase)).Msg(msg)
}

func (s *Session) terminal() bool { return s.st.Phase.Terminal() }

func (s *Session) setPhase(p Phase) {
	s.st.Phase = p
	s.st.Message = statusText(p, s.st.Reason)
	s.record("phase %s", p)
	s.log.Info().Str("phase", string(p)).Msg("call phase changed")
}

func statusText(p Phase, r Reason) string {
	switch p {
	case Initiating, Signaling:
		return "Connecting..."
	case Connected:
		return "Connected"
	case Ended:
		return "Call ended"
	case Failed:
		return "Error: " + r.Text()
	}
	return "Idle"
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case startEvent:
		s.onStart()
	case *registered:
		s.inflight--
		s.onRegistered(e)
	case *mediaReady:
		s.inflight--
		s.onMediaReady(e)
	case *dialed:
		s.inflight--
		s.onDialed(e)
	case *answered:
		s.inflight--
		s.onAnswered(e)
	case *screenReady:
		s.inflight--
		s.onScreenReady(e)
	case *incoming:
		s.onIncoming(e)
	case *remoteStream:
		s.onRemoteStream(e)
	case *remoteClosed:
		s.onRemoteClosed(e)
	case *connError:
		s.onConnError(e)
	case *endpointError:
		s.onEndpointError(e)
	case *negotiationTimeout:
		s.onTimeout(e)
	case *screenEnded:
		s.onScreenEnded(e)
	case *command:
		s.onCommand(e)
	}
}

func (s *Session) onStart() {
	if s.st.Phase != Idle {
		return
	}
	s.setPhase(Initiating)
	reg := s.opts.Registrar
	s.spawn(func() event {
		ep, err := reg.Register(s.ctx)
		return &registered{ep: ep, err: err}
	})
}

func (s *Session) onRegistered(e *registered) {
	if s.terminal() {
		e.discard(s)
		return
	}
	if e.err != nil || e.ep == nil {
		if e.ep != nil {
			_ = e.ep.Close()
		}
		s.fail(EndpointUnavailable, e.err)
		return
	}
	s.endpoint = e.ep
	s.st.LocalEndpointID = e.ep.ID()
	e.ep.OnIncoming(func(c Conn) { s.post(&incoming{c: c}) })
	e.ep.OnError(func(err error) { s.post(&endpointError{err: err}) })
	s.record("registered as %s", e.ep.ID())
	s.setPhase(Signaling)

	src := s.opts.Media
	s.spawn(func() event {
		st, err := src.UserMedia(s.ctx)
		return &mediaReady{stream: st, err: err}
	})
}

func (s *Session) onMediaReady(e *mediaReady) {
	if s.terminal() {
		e.discard(s)
		return
	}
	if e.err != nil || e.stream == nil {
		s.fail(MediaAccessDenied, e.err)
		return
	}
	s.camera = e.stream
	s.record("local media ready: %d tracks", len(e.stream.Tracks()))

	switch {
	case s.held != nil:
		c := s.held
		s.held = nil
		s.answer(c)
	case s.target.EndpointID != "":
		s.dial()
	default:
		s.record("waiting for an inbound call")
	}
}

func (s *Session) dial() {
	s.dialing = true
	s.armTimeout()
	ep, remote, local := s.endpoint, s.target.EndpointID, s.camera
	s.spawn(func() event {
		c, err := ep.Dial(s.ctx, remote, local)
		return &dialed{c: c, err: err}
	})
}

func (s *Session) onDialed(e *dialed) {
	s.dialing = false
	if s.terminal() {
		e.discard(s)
		return
	}
	if e.err != nil {
		s.fail(SignalingError, e.err)
		return
	}
	s.record("offer sent to %s", e.c.RemoteID())
	s.attach(e.c)
}

func (s *Session) onIncoming(e *incoming) {
	if s.terminal() || s.conn != nil || s.held != nil || s.dialing {
		s.record("rejected inbound call from %s", e.c.RemoteID())
		e.discard(s)
		return
	}
	s.st.RemoteEndpointID = e.c.RemoteID()
	if s.camera == nil {
		s.held = e.c
		s.record("holding inbound call from %s until media is ready", e.c.RemoteID())
		return
	}
	s.answer(e.c)
}

func (s *Session) answer(c Conn) {
	s.attach(c)
	s.armTimeout()
	local := s.camera
	s.spawn(func() event {
		return &answered{c: c, err: c.Answer(s.ctx, local)}
	})
}

func (s *Session) onAnswered(e *answered) {
	if s.terminal() || e.c != s.conn {
		return
	}
	if e.err != nil {
		s.fail(SignalingError, e.err)
		return
	}
	s.record("answered %s", e.c.RemoteID())
}

func (s *Session) attach(c Conn) {
	s.conn = c
	s.st.RemoteEndpointID = c.RemoteID()
	c.OnRemoteStream(func(id string) { s.post(&remoteStream{c: c, id: id}) })
	c.OnClose(func() { s.post(&remoteClosed{c: c}) })
	c.OnError(func(err error) { s.post(&connError{c: c, err: err}) })
}

func (s *Session) onRemoteStream(e *remoteStream) {
	if s.terminal() || e.c != s.conn || s.st.Phase != Signaling {
		return
	}
	s.stopTimeout()
	s.st.ConnectedAt = time.Now()
	s.record("remote stream %s", e.id)
	s.setPhase(Connected)
	s.applyQueued()
}

func (s *Session) onRemoteClosed(e *remoteClosed) {
	if s.terminal() || e.c != s.conn {
		return
	}
	s.finish(Ended, ReasonNone, nil, "remote closed")
}

func (s *Session) onConnError(e *connError) {
	if s.terminal() || e.c != s.conn {
		return
	}
	if s.st.Phase == Connected {
		s.st.Notice = e.err.Error()
		s.finish(Ended, ReasonNone, e.err, "connection dropped")
		return
	}
	s.fail(SignalingError, e.err)
}

func (s *Session) onEndpointError(e *endpointError) {
	if s.terminal() {
		return
	}
	if s.st.Phase == Connected {
		s.log.Warn().Err(e.err).Msg("signaling error during call")
		return
	}
	s.fail(SignalingError, e.err)
}

func (s *Session) onTimeout(e *negotiationTimeout) {
	if s.terminal() || e.seq != s.timerSeq || s.st.Phase != Signaling {
		return
	}
	s.fail(NegotiationTimeout, fmt.Errorf("no remote media after %s", s.opts.NegotiationTimeout))
}

func (s *Session) armTimeout() {
	if s.timer != nil {
		return
	}
	s.timerSeq++
	seq := s.timerSeq
	s.timer = time.AfterFunc(s.opts.NegotiationTimeout, func() {
		s.post(&negotiationTimeout{seq: seq})
	})
}

func (s *Session) stopTimeout() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

func (s *Session) applyQueued() {
	if s.queuedMute {
		s.queuedMute = false
		s.setMuted(!s.st.Muted)
	}
	if s.queuedPause {
		s.queuedPause = false
		s.setPaused(!s.st.VideoPaused)
	}
}

func (s *Session) setMuted(m bool) {
	s.st.Muted = m
	for _, t := range s.camera.AudioTracks() {
		t.SetEnabled(!m)
	}
	s.record("muted=%v", m)
}

func (s *Session) setPaused(p bool) {
	s.st.VideoPaused = p
	for _, t := range s.camera.VideoTracks() {
		t.SetEnabled(!p)
	}
	s.record("video paused=%v", p)
}

func (s *Session) onCommand(c *command) {
	if s.terminal() && c.op != opClose {
		c.reply <- cmdResult{status: s.st, err: ErrSessionClosed}
		return
	}
	switch c.op {
	case opMute:
		if s.st.Phase == Connected {
			s.setMuted(!s.st.Muted)
		} else {
			s.queuedMute = !s.queuedMute
		}
	case opPause:
		switch {
		case s.st.Phase != Connected:
			s.queuedPause = !s.queuedPause
		case s.st.MediaKind == Screen:
			// camera pause has no meaning while the screen is the video
		default:
			s.setPaused(!s.st.VideoPaused)
		}
	case opFullscreen:
		s.st.Fullscreen = !s.st.Fullscreen
	case opScreen:
		switch {
		case s.st.Phase != Connected:
			c.reply <- cmdResult{status: s.st, err: ErrNotConnected}
			return
		case s.capturing:
			c.reply <- cmdResult{status: s.st, err: ErrBusy}
			return
		case s.st.MediaKind == Screen:
			s.revertToCamera("stopped by user")
		default:
			s.capturing = true
			s.captureReply = c.reply
			src := s.opts.Media
			s.spawn(func() event {
				st, err := src.DisplayMedia(s.ctx)
				return &screenReady{stream: st, err: err}
			})
			return
		}
	case opClose:
		if !s.terminal() {
			s.finish(Ended, ReasonNone, nil, "closed locally")
		}
	}
	c.reply <- cmdResult{status: s.st}
}

func (s *Session) onScreenReady(e *screenReady) {
	s.capturing = false
	reply := s.captureReply
	s.captureReply = nil
	if s.terminal() {
		e.discard(s)
		return
	}

	fail := func(err error) {
		s.st.Notice = ScreenCaptureDenied.Text()
		s.record("screen share failed: %v", err)
		reply <- cmdResult{status: s.st, err: &FailureError{Reason: ScreenCaptureDenied, Err: err}}
	}
	if e.err != nil || e.stream == nil {
		fail(e.err)
		return
	}
	track := e.stream.VideoTrack()
	if track == nil {
		_ = e.stream.Stop()
		fail(errors.New("capture has no video track"))
		return
	}
	if err := s.conn.ReplaceVideoTrack(track); err != nil {
		_ = e.stream.Stop()
		s.record("replace video track: %v", err)
		reply <- cmdResult{status: s.st, err: fmt.Errorf("replace video track: %w", err)}
		return
	}

	s.screen = e.stream
	s.st.MediaKind = Screen
	s.st.Notice = ""
	stream := e.stream
	track.OnEnded(func() { s.post(&screenEnded{stream: stream}) })
	s.record("sharing screen")
	reply <- cmdResult{status: s.st}
}

func (s *Session) onScreenEnded(e *screenEnded) {
	if s.terminal() || e.stream != s.screen {
		return
	}
	s.revertToCamera("ended by the system")
}

// revertToCamera puts the camera track back on the video sender and stops
// the screen capture. Mute and pause state are untouched.
func (s *Session) revertToCamera(why string) {
	if cam := s.camera.VideoTrack(); cam != nil && s.conn != nil {
		if err := s.conn.ReplaceVideoTrack(cam); err != nil {
			s.log.Warn().Err(err).Msg("restore camera track")
		}
	}
	if err := s.screen.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("stop screen capture")
	}
	s.screen = nil
	s.st.MediaKind = Camera
	s.record("screen share %s", why)
}

func (s *Session) fail(r Reason, err error) {
	s.finish(Failed, r, err, "failed")
}

func (s *Session) finish(p Phase, r Reason, err error, why string) {
	s.release()
	s.st.Reason = r
	s.st.EndedAt = time.Now()
	s.setPhase(p)

	ev := s.log.Info()
	if p == Failed {
		ev = s.log.Warn()
	}
	ev.Err(err).Str("reason", string(r)).Msg("call " + why)

	if s.opts.OnEnd != nil {
		s.opts.OnEnd(s.st)
	}
}

// release stops every local track and frees the endpoint. Runs once.
func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true
	s.stopTimeout()

	if s.captureReply != nil {
		s.captureReply <- cmdResult{status: s.st, err: ErrSessionClosed}
		s.captureReply = nil
	}

	var err error
	if s.held != nil {
		err = multierr.Append(err, s.held.Close())
	}
	if s.conn != nil {
		err = multierr.Append(err, s.conn.Close())
	}
	if s.screen != nil {
		err = multierr.Append(err, s.screen.Stop())
	}
	if s.camera != nil {
		err = multierr.Append(err, s.camera.Stop())
	}
	if s.endpoint != nil {
		err = multierr.Append(err, s.endpoint.Close())
	}
	s.held, s.conn, s.screen, s.camera, s.endpoint = nil, nil, nil, nil, nil
	s.cancel()

	if err != nil {
		s.log.Warn().Err(err).Msg("release errors")
	}
	s.record("resources released")
}
