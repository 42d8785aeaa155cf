package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/media"
	"github.com/petervdpas/peermentor/internal/signal"
	"github.com/petervdpas/peermentor/internal/util"
)

// Endpoint is one registered signaling identity. It routes inbound messages
// to the Conn they belong to by call ID; an offer for an unknown call
// becomes an incoming Conn.
type Endpoint struct {
	id  string
	tr  signal.Transport
	api *webrtc.API
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	conns      map[string]*Conn
	onIncoming func(call.Conn)
	onError    func(error)
	pendingIn  []*Conn
	pendingErr []error
	closed     bool

	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

func newEndpoint(id string, tr signal.Transport, api *webrtc.API, cfg Config, log zerolog.Logger) *Endpoint {
	ch, unsub := tr.Subscribe()
	e := &Endpoint{
		id:          id,
		tr:          tr,
		api:         api,
		cfg:         cfg,
		log:         log.With().Str("endpoint", id).Logger(),
		conns:       map[string]*Conn{},
		unsubscribe: unsub,
		done:        make(chan struct{}),
	}
	go e.dispatchLoop(ch)
	return e
}

func (e *Endpoint) ID() string { return e.id }

// OnIncoming sets the handler for inbound calls. Calls that arrived before
// the handler was set are delivered immediately.
func (e *Endpoint) OnIncoming(fn func(call.Conn)) {
	e.mu.Lock()
	e.onIncoming = fn
	pending := e.pendingIn
	e.pendingIn = nil
	e.mu.Unlock()
	for _, c := range pending {
		fn(c)
	}
}

func (e *Endpoint) OnError(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	pending := e.pendingErr
	e.pendingErr = nil
	e.mu.Unlock()
	for _, err := range pending {
		fn(err)
	}
}

// Dial creates a peer connection carrying local and sends its offer to
// remoteID.
func (e *Endpoint) Dial(ctx context.Context, remoteID string, local *media.Stream) (call.Conn, error) {
	c, err := e.newConn(uuid.NewString(), remoteID)
	if err != nil {
		return nil, err
	}
	if err := c.offer(ctx, local); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (e *Endpoint) newConn(callID, remoteID string) (*Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, signal.ErrClosed
	}
	pc, err := e.api.NewPeerConnection(e.cfg.configuration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := newConn(e, pc, callID, remoteID)
	e.conns[callID] = c
	return c, nil
}

func (e *Endpoint) forget(callID string) {
	e.mu.Lock()
	delete(e.conns, callID)
	e.mu.Unlock()
}

func (e *Endpoint) conn(callID string) *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[callID]
}

func (e *Endpoint) send(ctx context.Context, typ, to, callID string, payload any) error {
	m, err := signal.NewMessage(typ, to, callID, payload)
	if err != nil {
		return err
	}
	m.From = e.id
	return e.tr.Send(ctx, m)
}

func (e *Endpoint) dispatchLoop(ch <-chan signal.Message) {
	for m := range ch {
		e.dispatch(m)
	}
	select {
	case <-e.done:
	default:
		e.fail(fmt.Errorf("signaling lost: %w", signal.ErrClosed))
	}
}

func (e *Endpoint) dispatch(m signal.Message) {
	switch m.Type {
	case signal.TypeOffer:
		if e.conn(m.CallID) != nil {
			e.log.Debug().Str("call", m.CallID).Msg("ignoring renegotiation offer")
			return
		}
		var sdp signal.SDPPayload
		if err := m.Decode(&sdp); err != nil {
			e.log.Warn().Err(err).Str("from", m.From).Msg("bad offer")
			return
		}
		c, err := e.newConn(m.CallID, m.From)
		if err != nil {
			e.log.Warn().Err(err).Msg("inbound call")
			return
		}
		c.remoteOffer = sdp.SDP
		e.incoming(c)

	case signal.TypeAnswer:
		if c := e.conn(m.CallID); c != nil {
			c.handleAnswer(m)
		}

	case signal.TypeCandidate:
		if c := e.conn(m.CallID); c != nil {
			c.handleCandidate(m)
		}

	case signal.TypeHangup:
		if c := e.conn(m.CallID); c != nil {
			c.remoteHangup()
		}

	case signal.TypeError:
		err := m.Err()
		if c := e.conn(m.CallID); c != nil {
			c.fail(err)
			return
		}
		e.fail(err)
	}
}

func (e *Endpoint) incoming(c *Conn) {
	e.mu.Lock()
	fn := e.onIncoming
	if fn == nil {
		e.pendingIn = append(e.pendingIn, c)
	}
	e.mu.Unlock()
	e.log.Info().Str("from", c.remote).Str("call", c.callID).Msg("incoming call")
	if fn != nil {
		fn(c)
	}
}

func (e *Endpoint) fail(err error) {
	e.mu.Lock()
	fn := e.onError
	if fn == nil {
		e.pendingErr = append(e.pendingErr, err)
	}
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Close hangs up every call on this endpoint and releases its transport.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.closed = true
		conns := make([]*Conn, 0, len(e.conns)+len(e.pendingIn))
		for _, c := range e.conns {
			conns = append(conns, c)
		}
		e.pendingIn = nil
		e.mu.Unlock()

		for _, c := range conns {
			err = multierr.Append(err, c.Close())
		}
		e.unsubscribe()
		err = multierr.Append(err, e.tr.Close())
		e.log.Debug().Msg("endpoint closed")
	})
	return err
}

func shortCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), util.ShortTimeout)
}
