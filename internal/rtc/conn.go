package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/media"
	"github.com/petervdpas/peermentor/internal/signal"
)

var errNoVideoSender = errors.New("rtc: no video sender")

// Conn is one peer connection and the call ID that ties its signaling
// together. Local ICE candidates are held until our description has been
// sent; remote ones until the remote description is applied.
type Conn struct {
	ep     *Endpoint
	pc     *webrtc.PeerConnection
	callID string
	remote string
	log    zerolog.Logger

	// set before the conn is handed out for inbound calls
	remoteOffer string

	mu            sync.Mutex
	video         *webrtc.RTPSender
	localSent     bool
	pendingLocal  []webrtc.ICECandidateInit
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	streamID      string
	gotStream     bool
	closed        bool
	firstErr      error
	onStream      func(string)
	onClose       func()
	onError       func(error)

	closeOnce  sync.Once
	remoteGone bool
}

func newConn(ep *Endpoint, pc *webrtc.PeerConnection, callID, remote string) *Conn {
	c := &Conn{
		ep:     ep,
		pc:     pc,
		callID: callID,
		remote: remote,
		log:    ep.log.With().Str("call", shortID(callID)).Str("remote", remote).Logger(),
	}
	pc.OnICECandidate(c.localCandidate)
	pc.OnTrack(c.track)
	pc.OnConnectionStateChange(c.stateChange)
	return c
}

func (c *Conn) RemoteID() string { return c.remote }

func (c *Conn) OnRemoteStream(fn func(string)) {
	c.mu.Lock()
	c.onStream = fn
	got, id := c.gotStream, c.streamID
	c.mu.Unlock()
	if got {
		fn(id)
	}
}

func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		fn()
	}
}

func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	err := c.firstErr
	c.mu.Unlock()
	if err != nil {
		fn(err)
	}
}

func (c *Conn) addTracks(local *media.Stream) error {
	for _, t := range local.Tracks() {
		sender, err := c.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		if t.Kind() == media.KindVideo {
			c.mu.Lock()
			if c.video == nil {
				c.video = sender
			}
			c.mu.Unlock()
		}
		go c.drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps the interceptors fed; pion needs sender RTCP read for
// NACK and PLI handling to work.
func (c *Conn) drainRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				c.log.Trace().Msg("keyframe requested")
			}
		}
	}
}

func (c *Conn) offer(ctx context.Context, local *media.Stream) error {
	if err := c.addTracks(local); err != nil {
		return err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload := signal.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}
	if err := c.ep.send(ctx, signal.TypeOffer, c.remote, c.callID, payload); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	c.log.Debug().Msg("offer sent")
	c.flushLocal()
	return nil
}

// Answer applies the inbound offer and replies with local media.
func (c *Conn) Answer(ctx context.Context, local *media.Stream) error {
	if c.remoteOffer == "" {
		return errors.New("rtc: no offer to answer")
	}
	if err := c.addTracks(local); err != nil {
		return err
	}
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.remoteOffer}); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload := signal.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}
	if err := c.ep.send(ctx, signal.TypeAnswer, c.remote, c.callID, payload); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	c.log.Debug().Msg("answer sent")
	c.flushLocal()
	return nil
}

func (c *Conn) handleAnswer(m signal.Message) {
	var sdp signal.SDPPayload
	if err := m.Decode(&sdp); err != nil {
		c.fail(fmt.Errorf("bad answer: %w", err))
		return
	}
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP}); err != nil {
		c.fail(err)
	}
}

func (c *Conn) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Warn().Err(err).Msg("add queued candidate")
		}
	}
	return nil
}

func (c *Conn) handleCandidate(m signal.Message) {
	var p signal.CandidatePayload
	if err := m.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("bad candidate")
		return
	}
	cand := webrtc.ICECandidateInit{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
	c.mu.Lock()
	if !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(cand); err != nil {
		c.log.Warn().Err(err).Msg("add candidate")
	}
}

func (c *Conn) localCandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		return
	}
	init := cand.ToJSON()
	c.mu.Lock()
	if !c.localSent {
		c.pendingLocal = append(c.pendingLocal, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(init)
}

func (c *Conn) flushLocal() {
	c.mu.Lock()
	c.localSent = true
	pending := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()
	for _, cand := range pending {
		c.sendCandidate(cand)
	}
}

func (c *Conn) sendCandidate(cand webrtc.ICECandidateInit) {
	ctx, cancel := shortCtx()
	defer cancel()
	payload := signal.CandidatePayload{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
	if err := c.ep.send(ctx, signal.TypeCandidate, c.remote, c.callID, payload); err != nil {
		c.log.Debug().Err(err).Msg("send candidate")
	}
}

// track reports the remote stream once its first packet arrives, then keeps
// reading so the interceptors see the traffic.
func (c *Conn) track(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.log.Debug().Str("kind", t.Kind().String()).Str("codec", t.Codec().MimeType).Msg("remote track")
	go func() {
		first := true
		for {
			pkt, _, err := t.ReadRTP()
			if err != nil {
				return
			}
			if first {
				first = false
				c.log.Debug().Uint32("ssrc", pkt.SSRC).Msg("first remote packet")
				c.remoteStream(t.StreamID())
			}
		}
	}()
}

func (c *Conn) remoteStream(id string) {
	c.mu.Lock()
	if c.gotStream || c.closed {
		c.mu.Unlock()
		return
	}
	c.gotStream = true
	c.streamID = id
	fn := c.onStream
	c.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// A disconnected state may recover within the ICE timeouts, so only failed
// and closed count as the end of the call.
func (c *Conn) stateChange(s webrtc.PeerConnectionState) {
	c.log.Debug().Str("state", s.String()).Msg("connection state")
	switch s {
	case webrtc.PeerConnectionStateFailed:
		c.mu.Lock()
		got := c.gotStream
		c.mu.Unlock()
		if !got {
			c.fail(errors.New("rtc: ice connection failed"))
			return
		}
		c.teardown(false)
	case webrtc.PeerConnectionStateClosed:
		c.teardown(false)
	}
}

func (c *Conn) remoteHangup() {
	c.log.Info().Msg("remote hung up")
	c.mu.Lock()
	c.remoteGone = true
	c.mu.Unlock()
	c.teardown(false)
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.firstErr != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.firstErr = err
	fn := c.onError
	c.mu.Unlock()
	c.log.Warn().Err(err).Msg("call error")
	if fn != nil {
		fn(err)
	}
}

// ReplaceVideoTrack swaps the outgoing video in place; the remote side keeps
// the same transceiver and no renegotiation happens.
func (c *Conn) ReplaceVideoTrack(t media.Track) error {
	c.mu.Lock()
	sender := c.video
	c.mu.Unlock()
	if sender == nil {
		return errNoVideoSender
	}
	return sender.ReplaceTrack(t.Local())
}

// Close hangs up and releases the peer connection. Safe to call more than
// once; OnClose fires once.
func (c *Conn) Close() error {
	return c.teardown(true)
}

func (c *Conn) teardown(local bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		notify := local && !c.remoteGone
		fn := c.onClose
		c.mu.Unlock()

		if notify {
			ctx, cancel := shortCtx()
			if serr := c.ep.send(ctx, signal.TypeHangup, c.remote, c.callID, nil); serr != nil {
				c.log.Debug().Err(serr).Msg("send hangup")
			}
			cancel()
		}
		c.ep.forget(c.callID)
		if local {
			err = c.pc.Close()
		} else {
			// pion callbacks must not wait on their own connection closing
			go func() {
				if cerr := c.pc.Close(); cerr != nil {
					c.log.Debug().Err(cerr).Msg("close peer connection")
				}
			}()
		}
		if fn != nil {
			fn()
		}
	})
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
