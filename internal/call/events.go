package call

import "github.com/petervdpas/peermentor/internal/media"

// event is one input to the session loop. discard releases whatever the
// event carries when the session can no longer use it.
type event interface {
	discard(s *Session)
}

type op int

const (
	opMute op = iota
	opPause
	opScreen
	opFullscreen
	opClose
)

type cmdResult struct {
	status Status
	err    error
}

type command struct {
	op    op
	reply chan cmdResult
}

// Close on a finished session succeeds; every other command is refused.
func (c *command) discard(s *Session) {
	if c.op == opClose {
		c.reply <- cmdResult{status: s.Status()}
		return
	}
	c.reply <- cmdResult{status: s.Status(), err: ErrSessionClosed}
}

type startEvent struct{}

func (startEvent) discard(*Session) {}

type registered struct {
	ep  Endpoint
	err error
}

func (e *registered) discard(*Session) {
	if e.ep != nil {
		_ = e.ep.Close()
	}
}

type mediaReady struct {
	stream *media.Stream
	err    error
}

func (e *mediaReady) discard(*Session) { _ = e.stream.Stop() }

type dialed struct {
	c   Conn
	err error
}

func (e *dialed) discard(*Session) {
	if e.c != nil {
		_ = e.c.Close()
	}
}

type answered struct {
	c   Conn
	err error
}

// The conn was attached before answering, so release already closed it.
func (e *answered) discard(*Session) {}

type incoming struct{ c Conn }

func (e *incoming) discard(*Session) { _ = e.c.Close() }

type remoteStream struct {
	c  Conn
	id string
}

func (*remoteStream) discard(*Session) {}

type remoteClosed struct{ c Conn }

func (*remoteClosed) discard(*Session) {}

type connError struct {
	c   Conn
	err error
}

func (*connError) discard(*Session) {}

type endpointError struct{ err error }

func (*endpointError) discard(*Session) {}

type negotiationTimeout struct{ seq int }

func (*negotiationTimeout) discard(*Session) {}

type screenReady struct {
	stream *media.Stream
	err    error
}

func (e *screenReady) discard(*Session) { _ = e.stream.Stop() }

type screenEnded struct{ stream *media.Stream }

func (*screenEnded) discard(*Session) {}
